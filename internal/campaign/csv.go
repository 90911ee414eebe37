package campaign

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ligvox/ligvox/internal/store"
	"github.com/ligvox/ligvox/internal/switchio"
)

// ErrBadCSV is returned when a contact file cannot be parsed at all.
var ErrBadCSV = errors.New("campaign: invalid contact file")

// ImportResult summarises one contact file import.
type ImportResult struct {
	// Parsed is the number of data rows in the file.
	Parsed int `json:"parsed"`

	// Imported is the number of contacts actually inserted.
	Imported int `json:"imported"`

	// Duplicates is the number of rows skipped because the number already
	// exists in the campaign.
	Duplicates int `json:"duplicates"`

	// Rejected lists rows that failed validation, with the reason.
	Rejected []string `json:"rejected,omitempty"`
}

// ImportContacts parses a CSV contact file and adds its rows to a campaign.
// The file needs a header with a phone_number column; a name column is
// optional and every other column is stored as contact metadata. Rows with
// numbers that cannot be normalised are reported in the result, not fatal.
func (m *Manager) ImportContacts(ctx context.Context, campaignID int64, r io.Reader) (ImportResult, error) {
	if _, err := m.store.GetCampaign(ctx, campaignID); err != nil {
		return ImportResult{}, err
	}

	contacts, rejected, err := ParseContactsCSV(r)
	if err != nil {
		return ImportResult{}, err
	}

	inserted, err := m.store.AddContacts(ctx, campaignID, contacts)
	if err != nil {
		return ImportResult{}, err
	}
	return ImportResult{
		Parsed:     len(contacts) + len(rejected),
		Imported:   inserted,
		Duplicates: len(contacts) - inserted,
		Rejected:   rejected,
	}, nil
}

// ParseContactsCSV reads a contact list. Phone numbers are normalised to
// dialable form; rows that fail normalisation are returned in rejected with
// their row number and reason.
func ParseContactsCSV(r io.Reader) (contacts []store.Contact, rejected []string, err error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: missing header row", ErrBadCSV)
	}

	phoneCol, nameCol := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "phone_number", "phone":
			phoneCol = i
		case "name":
			nameCol = i
		}
	}
	if phoneCol < 0 {
		return nil, nil, fmt.Errorf("%w: no phone_number column", ErrBadCSV)
	}

	for row := 2; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: row %d: %v", ErrBadCSV, row, err)
		}

		number, err := switchio.NormalizeNumber(record[phoneCol])
		if err != nil {
			rejected = append(rejected, fmt.Sprintf("row %d: %v", row, err))
			continue
		}

		c := store.Contact{PhoneNumber: number}
		if nameCol >= 0 {
			c.Name = strings.TrimSpace(record[nameCol])
		}
		for i, value := range record {
			if i == phoneCol || i == nameCol {
				continue
			}
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			if c.Metadata == nil {
				c.Metadata = make(map[string]string)
			}
			c.Metadata[strings.ToLower(strings.TrimSpace(header[i]))] = value
		}
		contacts = append(contacts, c)
	}
	return contacts, rejected, nil
}
