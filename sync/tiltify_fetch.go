package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	gosync "sync"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
)

const (
	DonationsSinceTimestampFormat = "2006-01-02T15:04:05.999Z07:00"
	DonationsSinceLimit           = "100"
	MilestonesLimit               = "100"
	RewardsLimit                  = "100"
	PollsLimit                    = "100"
	TargetsLimit                  = "100"
)

var cachedCampaigns gosync.Map // map[string]*Campaign

type fetchTiltifyDataParams struct {
	AccessToken       string
	CampaignID        string
	Context           context.Context
	TiltifyAPIBuilder *requests.Builder
}

type TiltifyError map[string]interface{}

// Campaign holds the campaign metadata used to enrich donation events and
// to provide the reached amount for milestone crossing detection.
type Campaign struct {
	ID           string
	Name         string
	Slug         string
	Description  string
	CauseID      string
	CauseName    string
	CauseCountry string
	Currency     string
	AmountRaised float64
}

// Donation is a single completed donation, immutable once observed.
type Donation struct {
	ID            string
	DonorName     string
	Comment       string
	Amount        float64
	Currency      string
	AmountDisplay string
	CompletedAt   time.Time
}

// CampaignDonationsSince fetches donations completed after Since, in
// ascending completion order, draining cursor pagination before returning.
type CampaignDonationsSince struct {
	Since     time.Time
	Donations []Donation
}

type Milestone struct {
	ID            string
	Name          string
	Amount        float64
	AmountDisplay string
}

type CampaignMilestones struct {
	Milestones []Milestone
}

type Reward struct {
	ID            string
	Name          string
	Description   string
	Amount        float64
	AmountDisplay string
	Remaining     int64
}

type CampaignRewards struct {
	Rewards []Reward
}

// PollOption is one voteable option, flattened across the campaign's polls
// and carrying its parent poll's title for the host's picker surface.
type PollOption struct {
	ID           string
	PollID       string
	PollTitle    string
	Name         string
	AmountRaised float64
}

type CampaignPolls struct {
	Options []PollOption
}

type Target struct {
	ID            string
	Name          string
	Amount        float64
	AmountDisplay string
	AmountRaised  float64
}

type CampaignTargets struct {
	Targets []Target
}

func parseDonation(item gjson.Result) Donation {
	return Donation{
		ID:            item.Get("id").String(),
		DonorName:     item.Get("donor_name").String(),
		Comment:       item.Get("donor_comment").String(),
		Amount:        item.Get("amount.value").Float(),
		Currency:      item.Get("amount.currency").String(),
		AmountDisplay: item.Get("amount|@displayAmount").String(),
		CompletedAt:   item.Get("completed_at").Time(),
	}
}

func (c *Campaign) fetchTiltifyData(params fetchTiltifyDataParams) error {
	tiltifyError := TiltifyError{}
	var json string
	err := params.TiltifyAPIBuilder.
		Pathf("/api/public/campaigns/%s", params.CampaignID).
		Bearer(params.AccessToken).
		ToString(&json).
		ErrorJSON(&tiltifyError).
		Fetch(params.Context)
	if err == nil {
		if !gjson.Valid(json) {
			log.Printf("Invalid Tiltify Response:\n%s", json)
			return errors.New("invalid json response")
		}
	} else {
		log.Printf("Tiltify Error: %+v", tiltifyError)
		return err
	}
	data := gjson.Parse(json).Get("data")
	c.ID = data.Get("id").String()
	c.Name = data.Get("name").String()
	c.Slug = data.Get("slug").String()
	c.Description = data.Get("description").String()
	c.CauseID = data.Get("cause_id").String()
	c.CauseName = data.Get("cause.name").String()
	c.CauseCountry = data.Get("cause.country|@countryName").String()
	c.Currency = data.Get("amount_raised.currency").String()
	c.AmountRaised = data.Get("amount_raised.value").Float()
	return nil
}

func (d *CampaignDonationsSince) fetchTiltifyData(params fetchTiltifyDataParams) error {
	after := ""
	for {
		tiltifyError := TiltifyError{}
		var json string
		builder := params.TiltifyAPIBuilder.Clone().
			Pathf("/api/public/campaigns/%s/donations", params.CampaignID).
			Param("completed_after", d.Since.UTC().Format(DonationsSinceTimestampFormat)).
			Param("limit", DonationsSinceLimit).
			Bearer(params.AccessToken).
			ToString(&json).
			ErrorJSON(&tiltifyError)
		if after != "" {
			builder = builder.Param("after", after)
		}
		err := builder.Fetch(params.Context)
		if err != nil {
			log.Printf("Tiltify Error: %+v", tiltifyError)
			return err
		}
		if !gjson.Valid(json) {
			log.Printf("Invalid Tiltify Response:\n%s", json)
			return errors.New("invalid json response")
		}
		page := gjson.Parse(json)
		results := page.Get("data").Array()
		for _, item := range results {
			d.Donations = append(d.Donations, parseDonation(item))
		}
		// Drain every page before returning - the engine needs the complete
		// delta, not the first page of it.
		after = page.Get("metadata.after").String()
		if after == "" || len(results) == 0 {
			break
		}
	}
	slices.SortStableFunc(d.Donations, func(a, b Donation) int {
		return a.CompletedAt.Compare(b.CompletedAt)
	})
	return nil
}

func (m *CampaignMilestones) fetchTiltifyData(params fetchTiltifyDataParams) error {
	tiltifyError := TiltifyError{}
	var json string
	err := params.TiltifyAPIBuilder.
		Pathf("/api/public/campaigns/%s/milestones", params.CampaignID).
		Param("limit", MilestonesLimit).
		Bearer(params.AccessToken).
		ToString(&json).
		ErrorJSON(&tiltifyError).
		Fetch(params.Context)
	if err != nil {
		log.Printf("Tiltify Error: %+v", tiltifyError)
		return err
	}
	if !gjson.Valid(json) {
		log.Printf("Invalid Tiltify Response:\n%s", json)
		return errors.New("invalid json response")
	}
	for _, item := range gjson.Parse(json).Get("data").Array() {
		m.Milestones = append(m.Milestones, Milestone{
			ID:            item.Get("id").String(),
			Name:          item.Get("name").String(),
			Amount:        item.Get("amount.value").Float(),
			AmountDisplay: item.Get("amount|@displayAmount").String(),
		})
	}
	slices.SortStableFunc(m.Milestones, func(a, b Milestone) int {
		if a.Amount < b.Amount {
			return -1
		}
		if a.Amount > b.Amount {
			return 1
		}
		return 0
	})
	return nil
}

func (r *CampaignRewards) fetchTiltifyData(params fetchTiltifyDataParams) error {
	tiltifyError := TiltifyError{}
	var json string
	err := params.TiltifyAPIBuilder.
		Pathf("/api/public/campaigns/%s/rewards", params.CampaignID).
		Param("limit", RewardsLimit).
		Bearer(params.AccessToken).
		ToString(&json).
		ErrorJSON(&tiltifyError).
		Fetch(params.Context)
	if err != nil {
		log.Printf("Tiltify Error: %+v", tiltifyError)
		return err
	}
	if !gjson.Valid(json) {
		log.Printf("Invalid Tiltify Response:\n%s", json)
		return errors.New("invalid json response")
	}
	for _, item := range gjson.Parse(json).Get("data").Array() {
		r.Rewards = append(r.Rewards, Reward{
			ID:            item.Get("id").String(),
			Name:          item.Get("name").String(),
			Description:   item.Get("description").String(),
			Amount:        item.Get("amount.value").Float(),
			AmountDisplay: item.Get("amount|@displayAmount").String(),
			Remaining:     item.Get("quantity_remaining").Int(),
		})
	}
	return nil
}

func (p *CampaignPolls) fetchTiltifyData(params fetchTiltifyDataParams) error {
	tiltifyError := TiltifyError{}
	var json string
	err := params.TiltifyAPIBuilder.
		Pathf("/api/public/campaigns/%s/polls", params.CampaignID).
		Param("limit", PollsLimit).
		Bearer(params.AccessToken).
		ToString(&json).
		ErrorJSON(&tiltifyError).
		Fetch(params.Context)
	if err != nil {
		log.Printf("Tiltify Error: %+v", tiltifyError)
		return err
	}
	if !gjson.Valid(json) {
		log.Printf("Invalid Tiltify Response:\n%s", json)
		return errors.New("invalid json response")
	}
	for _, poll := range gjson.Parse(json).Get("data").Array() {
		pollID := poll.Get("id").String()
		pollTitle := poll.Get("name").String()
		for _, option := range poll.Get("options").Array() {
			p.Options = append(p.Options, PollOption{
				ID:           option.Get("id").String(),
				PollID:       pollID,
				PollTitle:    pollTitle,
				Name:         option.Get("name").String(),
				AmountRaised: option.Get("amount_raised.value").Float(),
			})
		}
	}
	return nil
}

func (t *CampaignTargets) fetchTiltifyData(params fetchTiltifyDataParams) error {
	tiltifyError := TiltifyError{}
	var json string
	err := params.TiltifyAPIBuilder.
		Pathf("/api/public/campaigns/%s/targets", params.CampaignID).
		Param("limit", TargetsLimit).
		Bearer(params.AccessToken).
		ToString(&json).
		ErrorJSON(&tiltifyError).
		Fetch(params.Context)
	if err != nil {
		log.Printf("Tiltify Error: %+v", tiltifyError)
		return err
	}
	if !gjson.Valid(json) {
		log.Printf("Invalid Tiltify Response:\n%s", json)
		return errors.New("invalid json response")
	}
	for _, item := range gjson.Parse(json).Get("data").Array() {
		t.Targets = append(t.Targets, Target{
			ID:            item.Get("id").String(),
			Name:          item.Get("name").String(),
			Amount:        item.Get("amount.value").Float(),
			AmountDisplay: item.Get("amount|@displayAmount").String(),
			AmountRaised:  item.Get("amount_raised.value").Float(),
		})
	}
	return nil
}

// TiltifyFetcher handles the typed read operations against the Tiltify API.
// It embeds *SyncContext for shared integration configuration.
type TiltifyFetcher struct {
	*SyncContext
}

// TiltifyAPIBuilder returns a new requests.Builder configured for the Tiltify API.
func (f *TiltifyFetcher) TiltifyAPIBuilder() *requests.Builder {
	Init()
	apiBuilder := requests.
		URL("https://v5api.tiltify.com").
		Client(&http.Client{Timeout: HTTPRequestTimeout})
	if f.Transport != nil {
		apiBuilder = apiBuilder.Transport(f.Transport)
	} else if f.RecordRequests {
		apiBuilder = apiBuilder.Transport(requests.Record(nil, fmt.Sprintf("testdata/.requests/%s/tiltify", f.IntegrationID)))
	}
	return apiBuilder
}

// fetchParams builds fetchTiltifyDataParams for a given campaign ID and context.
func (f *TiltifyFetcher) fetchParams(token string, campaignID string, ctx context.Context) fetchTiltifyDataParams {
	return fetchTiltifyDataParams{
		AccessToken:       token,
		CampaignID:        campaignID,
		Context:           ctx,
		TiltifyAPIBuilder: f.TiltifyAPIBuilder(),
	}
}

// requireCampaignID guards the lookups against an unconfigured integration,
// failing fast instead of issuing a malformed request.
func requireCampaignID(campaignID string) error {
	if campaignID == "" {
		return ConfigError{Field: "campaignId", Reason: "must not be empty"}
	}
	return nil
}

// FetchCampaign fetches the campaign metadata from Tiltify.
func (f *TiltifyFetcher) FetchCampaign(token string, campaignID string, ctx context.Context) (*Campaign, error) {
	if err := requireCampaignID(campaignID); err != nil {
		return nil, err
	}
	campaign := &Campaign{}
	err := campaign.fetchTiltifyData(f.fetchParams(token, campaignID, ctx))
	if err != nil {
		return nil, err
	}
	return campaign, nil
}

// CachedCampaign fetches and caches the campaign metadata.
// Thread-safe: uses sync.Map keyed by campaign ID.
func (f *TiltifyFetcher) CachedCampaign(token string, campaignID string, refresh bool, ctx context.Context) (*Campaign, error) {
	if !refresh {
		if v, ok := cachedCampaigns.Load(campaignID); ok {
			return v.(*Campaign), nil
		}
	}

	campaign, err := f.FetchCampaign(token, campaignID, ctx)
	if err != nil {
		// On error, fall back to cached value if available
		if v, ok := cachedCampaigns.Load(campaignID); ok {
			return v.(*Campaign), nil
		}
		return nil, err
	}

	cachedCampaigns.Store(campaignID, campaign)
	return campaign, nil
}

// FetchDonationsSince fetches donations completed after the given watermark,
// ascending by completion time, with pagination fully drained.
func (f *TiltifyFetcher) FetchDonationsSince(token string, campaignID string, since time.Time, ctx context.Context) ([]Donation, error) {
	if err := requireCampaignID(campaignID); err != nil {
		return nil, err
	}
	donations := CampaignDonationsSince{
		Since: since,
	}
	err := donations.fetchTiltifyData(f.fetchParams(token, campaignID, ctx))
	return donations.Donations, err
}

// FetchMilestones fetches the campaign's milestones ordered by amount.
func (f *TiltifyFetcher) FetchMilestones(token string, campaignID string, ctx context.Context) ([]Milestone, error) {
	if err := requireCampaignID(campaignID); err != nil {
		return nil, err
	}
	var milestones CampaignMilestones
	err := milestones.fetchTiltifyData(f.fetchParams(token, campaignID, ctx))
	return milestones.Milestones, err
}

// FetchRewards fetches the campaign's rewards for the host's picker surface.
func (f *TiltifyFetcher) FetchRewards(token string, campaignID string, ctx context.Context) ([]Reward, error) {
	if err := requireCampaignID(campaignID); err != nil {
		return nil, err
	}
	var rewards CampaignRewards
	err := rewards.fetchTiltifyData(f.fetchParams(token, campaignID, ctx))
	return rewards.Rewards, err
}

// FetchPollOptions fetches the campaign's poll options, flattened across polls.
func (f *TiltifyFetcher) FetchPollOptions(token string, campaignID string, ctx context.Context) ([]PollOption, error) {
	if err := requireCampaignID(campaignID); err != nil {
		return nil, err
	}
	var polls CampaignPolls
	err := polls.fetchTiltifyData(f.fetchParams(token, campaignID, ctx))
	return polls.Options, err
}

// FetchTargets fetches the campaign's targets for the host's picker surface.
func (f *TiltifyFetcher) FetchTargets(token string, campaignID string, ctx context.Context) ([]Target, error) {
	if err := requireCampaignID(campaignID); err != nil {
		return nil, err
	}
	var targets CampaignTargets
	err := targets.fetchTiltifyData(f.fetchParams(token, campaignID, ctx))
	return targets.Targets, err
}
