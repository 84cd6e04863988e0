package sync

import "context"

// Integration wires the components for one campaign integration and exposes
// the on-demand query surface the host's pickers use. The polling loop
// itself is driven through Connection.
type Integration struct {
	Context    *SyncContext
	Fetcher    *TiltifyFetcher
	Guardian   *TokenGuardian
	Engine     *Engine
	Connection *Connection
}

// NewIntegration builds a fully wired integration. The credential store and
// event sink are host collaborators; the state store decides where sync
// state survives restarts (typically a FileStore).
func NewIntegration(integrationID string, settings Settings, creds CredentialStore, store StateStore, events EventSink) *Integration {
	sc := &SyncContext{
		Settings:      settings,
		IntegrationID: integrationID,
	}
	fetcher := &TiltifyFetcher{SyncContext: sc}
	guardian := &TokenGuardian{SyncContext: sc, Store: creds}
	engine := NewEngine(fetcher, guardian, store, events)
	conn := NewConnection(engine, guardian)
	conn.settings = settings
	return &Integration{
		Context:    sc,
		Fetcher:    fetcher,
		Guardian:   guardian,
		Engine:     engine,
		Connection: conn,
	}
}

// queryToken resolves the campaign id and a valid token for an on-demand
// lookup, failing with ConfigError before any request is issued when the
// integration is unconfigured.
func (i *Integration) queryToken(ctx context.Context) (token string, campaignID string, err error) {
	campaignID = i.Connection.Settings().CampaignID
	if err = requireCampaignID(campaignID); err != nil {
		return "", "", err
	}
	token, err = i.Guardian.EnsureToken(ctx)
	if err != nil {
		return "", "", err
	}
	return token, campaignID, nil
}

// ListRewards returns the campaign's rewards for the host's picker surface.
func (i *Integration) ListRewards(ctx context.Context) ([]Reward, error) {
	token, campaignID, err := i.queryToken(ctx)
	if err != nil {
		return nil, err
	}
	return i.Fetcher.FetchRewards(token, campaignID, ctx)
}

// ListPollOptions returns the campaign's poll options, flattened across polls.
func (i *Integration) ListPollOptions(ctx context.Context) ([]PollOption, error) {
	token, campaignID, err := i.queryToken(ctx)
	if err != nil {
		return nil, err
	}
	return i.Fetcher.FetchPollOptions(token, campaignID, ctx)
}

// ListTargets returns the campaign's targets.
func (i *Integration) ListTargets(ctx context.Context) ([]Target, error) {
	token, campaignID, err := i.queryToken(ctx)
	if err != nil {
		return nil, err
	}
	return i.Fetcher.FetchTargets(token, campaignID, ctx)
}

// ListMilestones returns the campaign's milestones.
func (i *Integration) ListMilestones(ctx context.Context) ([]Milestone, error) {
	token, campaignID, err := i.queryToken(ctx)
	if err != nil {
		return nil, err
	}
	return i.Fetcher.FetchMilestones(token, campaignID, ctx)
}
