package sync

import "github.com/iancoleman/strcase"

// EventSink receives integration events. Implemented by the host's event
// bus; emission is fire-and-forget and must work with no listener attached.
type EventSink interface {
	Emit(event string, payload interface{})
}

// Event names are the kebab-case form of the payload type names.
var (
	EventDonationReceived = strcase.ToKebab("DonationReceived")
	EventMilestoneReached = strcase.ToKebab("MilestoneReached")
)

// CampaignInfo is the campaign metadata attached to donation events.
type CampaignInfo struct {
	ID           string
	Name         string
	Slug         string
	CauseID      string
	CauseName    string
	CauseCountry string
	Currency     string
}

func campaignInfo(c *Campaign) CampaignInfo {
	if c == nil {
		return CampaignInfo{}
	}
	return CampaignInfo{
		ID:           c.ID,
		Name:         c.Name,
		Slug:         c.Slug,
		CauseID:      c.CauseID,
		CauseName:    c.CauseName,
		CauseCountry: c.CauseCountry,
		Currency:     c.Currency,
	}
}

// DonationReceived is emitted exactly once per distinct donation.
type DonationReceived struct {
	From          string
	Comment       string
	Amount        float64
	Currency      string
	AmountDisplay string
	Campaign      CampaignInfo
}

// MilestoneReached is emitted when a milestone's reached amount crosses its
// target for the first time since the previous snapshot.
type MilestoneReached struct {
	ID            string
	Name          string
	Amount        float64
	AmountDisplay string
}
