package sync

import (
	"context"
	"log"
	gosync "sync"
)

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Connection wraps the polling engine with connect/disconnect/reconnect
// semantics driven by settings changes and token validity. Failure reasons
// are logged rather than surfaced as crashes; listeners observe them as a
// disconnected transition plus the returned error.
type Connection struct {
	Engine *Engine
	Tokens tokenSource

	mu             gosync.Mutex
	state          ConnectionState
	settings       Settings
	onConnected    []func()
	onDisconnected []func()
}

func NewConnection(engine *Engine, tokens tokenSource) *Connection {
	return &Connection{
		Engine: engine,
		Tokens: tokens,
		state:  StateDisconnected,
	}
}

// OnConnected registers a callback fired after every successful connect.
func (c *Connection) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = append(c.onConnected, fn)
	c.mu.Unlock()
}

// OnDisconnected registers a callback fired after every disconnect,
// including failed connect attempts.
func (c *Connection) OnDisconnected(fn func()) {
	c.mu.Lock()
	c.onDisconnected = append(c.onDisconnected, fn)
	c.mu.Unlock()
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Settings returns the settings of the current or most recent connection.
func (c *Connection) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Connect validates the settings and token, then starts polling the
// configured campaign. On any failure the connection ends disconnected and
// the classified error is returned; the initial connect requires a valid
// token even though steady-state ticks tolerate transient auth failure.
func (c *Connection) Connect(settings Settings) error {
	c.setState(StateConnecting)

	if err := settings.Validate(); err != nil {
		log.Printf("Connect rejected: %v", err)
		c.fail(settings)
		return err
	}
	if _, err := c.Tokens.EnsureToken(context.Background()); err != nil {
		log.Printf("Connect rejected: %v", err)
		c.fail(settings)
		return err
	}
	if _, err := c.Engine.Start(settings.CampaignID, settings.PollInterval()); err != nil {
		log.Printf("Connect rejected: %v", err)
		c.fail(settings)
		return err
	}

	c.mu.Lock()
	c.settings = settings
	c.state = StateConnected
	callbacks := append([]func(){}, c.onConnected...)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// Disconnect stops polling and signals listeners. Persisted sync state is
// untouched so a later Connect resumes where it left off.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	campaignID := c.settings.CampaignID
	c.state = StateDisconnected
	callbacks := append([]func(){}, c.onDisconnected...)
	c.mu.Unlock()

	if campaignID != "" {
		c.Engine.Stop(campaignID)
	}
	for _, fn := range callbacks {
		fn()
	}
}

// UpdateSettings applies new settings. While connected this is a full
// disconnect and reconnect - a running session is never mutated in place,
// so an interval change cannot race an in-flight tick.
func (c *Connection) UpdateSettings(settings Settings) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	if !connected {
		c.settings = settings
		c.mu.Unlock()
		return nil
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	c.Disconnect()
	return c.Connect(settings)
}

func (c *Connection) setState(state ConnectionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// fail records a failed connect attempt: state goes to disconnected and
// listeners are notified, but no session is left behind.
func (c *Connection) fail(settings Settings) {
	c.mu.Lock()
	c.settings = settings
	c.state = StateDisconnected
	callbacks := append([]func(){}, c.onDisconnected...)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}
