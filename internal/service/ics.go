package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// CalendarExport renders one booking as an RFC 5545 iCalendar object,
// suitable for import into any calendar app. Returns the suggested
// filename and the document bytes.
func (s *ReservationService) CalendarExport(ctx context.Context, bookingID uuid.UUID) (string, []byte, error) {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return "", nil, err
	}
	property, err := s.properties.GetByID(ctx, booking.PropertyID)
	if err != nil {
		return "", nil, err
	}
	guest, err := s.guests.GetByID(ctx, booking.GuestID)
	if err != nil {
		return "", nil, err
	}
	filename := booking.BookingReference + ".ics"
	return filename, buildICS(booking, property, guest, s.now()), nil
}

// buildICS assembles the calendar document. Stays are all-day events:
// DTSTART is the check-in date, DTEND the (exclusive) check-out date.
func buildICS(b *model.Booking, p *model.Property, g *model.Guest, now time.Time) []byte {
	var sb strings.Builder

	line := func(s string) {
		sb.WriteString(foldICSLine(s))
		sb.WriteString("\r\n")
	}

	location := p.Name
	if p.City != "" {
		location = p.Name + ", " + p.City
	}
	description := fmt.Sprintf("Booking %s for %s %s (%d guests, %d nights)",
		b.BookingReference, g.FirstName, g.LastName, b.GuestsCount, b.Nights())

	line("BEGIN:VCALENDAR")
	line("VERSION:2.0")
	line("PRODID:-//ferienwerk//channelmanager//EN")
	line("CALSCALE:GREGORIAN")
	line("METHOD:PUBLISH")
	line("BEGIN:VEVENT")
	line("UID:" + b.ID.String() + "@channelmanager")
	line("DTSTAMP:" + now.UTC().Format("20060102T150405Z"))
	line("DTSTART;VALUE=DATE:" + b.CheckIn.Format("20060102"))
	line("DTEND;VALUE=DATE:" + b.CheckOut.Format("20060102"))
	line("SUMMARY:" + escapeICSText(b.BookingReference+" "+p.Name))
	line("LOCATION:" + escapeICSText(location))
	line("DESCRIPTION:" + escapeICSText(description))
	line("STATUS:" + icsStatus(b.Status))
	line("END:VEVENT")
	line("END:VCALENDAR")

	return []byte(sb.String())
}

func icsStatus(status model.BookingStatus) string {
	switch status {
	case model.BookingConfirmed, model.BookingCheckedIn, model.BookingCheckedOut:
		return "CONFIRMED"
	case model.BookingCancelled, model.BookingDeclined, model.BookingNoShow:
		return "CANCELLED"
	default:
		return "TENTATIVE"
	}
}

// escapeICSText escapes the TEXT value characters named by RFC 5545 §3.3.11.
func escapeICSText(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		";", `\;`,
		",", `\,`,
		"\n", `\n`,
	)
	return r.Replace(s)
}

// foldICSLine folds content lines longer than 75 octets with a CRLF plus
// single-space continuation (RFC 5545 §3.1).
func foldICSLine(s string) string {
	const width = 75
	if len(s) <= width {
		return s
	}
	var sb strings.Builder
	for len(s) > width {
		cut := width
		// Never split a UTF-8 sequence.
		for cut > 1 && s[cut]&0xC0 == 0x80 {
			cut--
		}
		sb.WriteString(s[:cut])
		sb.WriteString("\r\n ")
		s = s[cut:]
	}
	sb.WriteString(s)
	return sb.String()
}
