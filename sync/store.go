package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StateStoreTimestampFormat is the wire format for the persisted watermark.
const StateStoreTimestampFormat = "2006-01-02T15:04:05.999Z07:00"

// MilestoneSnapshot is the last known remote state of one milestone,
// persisted so crossings can be detected between polls.
type MilestoneSnapshot struct {
	ID            string
	Name          string
	Amount        float64
	ReachedAmount float64
}

// CampaignSyncState is the persisted per-campaign watermark and dedupe state.
// The zero value is the state of a campaign that has never been polled.
type CampaignSyncState struct {
	// LastDonationDate marks the newest donation already processed.
	// Zero until the first successful poll; never moves backwards.
	LastDonationDate time.Time
	// SeenDonationIDs guards against re-delivery at the watermark boundary.
	// Append-only within a campaign's lifetime.
	SeenDonationIDs map[string]bool
	// Milestones is the milestone snapshot from the previous poll.
	Milestones []MilestoneSnapshot
}

func (s CampaignSyncState) HasSeen(donationID string) bool {
	return s.SeenDonationIDs[donationID]
}

func (s *CampaignSyncState) MarkSeen(donationID string) {
	if s.SeenDonationIDs == nil {
		s.SeenDonationIDs = make(map[string]bool)
	}
	s.SeenDonationIDs[donationID] = true
}

// MilestoneByID looks up the snapshot entry for a milestone identifier.
func (s CampaignSyncState) MilestoneByID(id string) (MilestoneSnapshot, bool) {
	for _, m := range s.Milestones {
		if m.ID == id {
			return m, true
		}
	}
	return MilestoneSnapshot{}, false
}

// StateStore persists CampaignSyncState keyed by campaign identifier.
type StateStore interface {
	// Load returns the state for a campaign, or the zero state when none
	// exists. "Not found" is never an error.
	Load(campaignID string) (CampaignSyncState, error)
	// Save upserts the state for a campaign atomically.
	Save(campaignID string, state CampaignSyncState) error
}

// FileStore keeps all campaign records in a single JSON document:
// {campaignId} -> {milestones, ids, lastDonationDate}. Missing keys default
// to empty so the layout stays forward compatible.
type FileStore struct {
	Path string
	mu   gosync.Mutex
}

// escapeKey escapes gjson path special characters so an opaque campaign
// identifier can be used as a document key.
func escapeKey(key string) string {
	replacer := strings.NewReplacer(
		".", `\.`,
		"*", `\*`,
		"?", `\?`,
		"|", `\|`,
	)
	return replacer.Replace(key)
}

func (fs *FileStore) readDocument() (string, error) {
	doc, err := os.ReadFile(fs.Path)
	if os.IsNotExist(err) {
		return "{}", nil
	}
	if err != nil {
		return "", err
	}
	if len(doc) == 0 || !gjson.ValidBytes(doc) {
		return "{}", nil
	}
	return string(doc), nil
}

func (fs *FileStore) Load(campaignID string) (CampaignSyncState, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var state CampaignSyncState
	doc, err := fs.readDocument()
	if err != nil {
		return state, err
	}
	record := gjson.Get(doc, escapeKey(campaignID))
	if !record.Exists() {
		return state, nil
	}
	if v := record.Get("lastDonationDate").String(); v != "" {
		if t, err := time.Parse(StateStoreTimestampFormat, v); err == nil {
			state.LastDonationDate = t
		}
	}
	for _, id := range record.Get("ids").Array() {
		state.MarkSeen(id.String())
	}
	for _, m := range record.Get("milestones").Array() {
		state.Milestones = append(state.Milestones, MilestoneSnapshot{
			ID:            m.Get("id").String(),
			Name:          m.Get("name").String(),
			Amount:        m.Get("amount").Float(),
			ReachedAmount: m.Get("reachedAmount").Float(),
		})
	}
	return state, nil
}

func (fs *FileStore) Save(campaignID string, state CampaignSyncState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.readDocument()
	if err != nil {
		return err
	}

	record := "{}"
	if !state.LastDonationDate.IsZero() {
		record, err = sjson.Set(record, "lastDonationDate", state.LastDonationDate.UTC().Format(StateStoreTimestampFormat))
		if err != nil {
			return err
		}
	}
	// Sorted ids keep the document diffable between ticks
	ids := make([]string, 0, len(state.SeenDonationIDs))
	for id := range state.SeenDonationIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	record, err = sjson.Set(record, "ids", ids)
	if err != nil {
		return err
	}
	milestones := make([]map[string]interface{}, 0, len(state.Milestones))
	for _, m := range state.Milestones {
		milestones = append(milestones, map[string]interface{}{
			"id":            m.ID,
			"name":          m.Name,
			"amount":        m.Amount,
			"reachedAmount": m.ReachedAmount,
		})
	}
	record, err = sjson.Set(record, "milestones", milestones)
	if err != nil {
		return err
	}

	doc, err = sjson.SetRaw(doc, escapeKey(campaignID), record)
	if err != nil {
		return err
	}
	return fs.writeDocument(doc)
}

// writeDocument writes the whole document through a temp file and rename so
// a concurrent reader never observes a half-written state.
func (fs *FileStore) writeDocument(doc string) error {
	dir := filepath.Dir(fs.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(fs.Path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.WriteString(doc); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), fs.Path); err != nil {
		return fmt.Errorf("failed to replace state file %w", err)
	}
	return nil
}
