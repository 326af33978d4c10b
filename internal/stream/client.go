package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"magnet-sync/internal/domain"
)

// Handler receives normalized progress events.
type Handler interface {
	HandleProgress(ev domain.ProgressEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev domain.ProgressEvent)

func (f HandlerFunc) HandleProgress(ev domain.ProgressEvent) { f(ev) }

// Timer is a pending reconnect attempt.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// State of the underlying connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "idle"
	}
}

type Config struct {
	// BaseURL is the backend root, e.g. http://localhost:8080.
	BaseURL        string
	APIKey         string
	ClientID       string
	ReconnectDelay time.Duration
	HTTPClient     *http.Client
	Scheduler      Scheduler
	Now            func() time.Time
	Logger         *logrus.Logger
}

// Client keeps a single server-sent event stream open against the backend progress endpoint
// and hands every well-formed progress message to the current Handler.
type Client struct {
	cfg     Config
	log     *logrus.Entry
	handler atomic.Pointer[Handler]

	mu        sync.Mutex
	gen       uint64
	state     State
	cancel    context.CancelFunc
	reconnect Timer
	wanted    bool

	// dispatchMu is held for reading while a message is delivered; Disconnect takes it for
	// writing to wait out deliveries that passed the generation check.
	dispatchMu sync.RWMutex

	received atomic.Int64
	dropped  atomic.Int64
}

func NewClient(cfg Config, handler Handler) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.HTTPClient == nil {
		// no timeout: the response body is the long lived stream
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = realScheduler{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	c := &Client{
		cfg: cfg,
		log: cfg.Logger.WithFields(logrus.Fields{"component": "stream", "client_id": cfg.ClientID}),
	}
	c.SetHandler(handler)
	return c
}

// SetHandler swaps the event handler. In-flight dispatches may still reach the previous one.
func (c *Client) SetHandler(h Handler) {
	if h == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&h)
}

// StreamURL returns the progress endpoint with credentials and client id attached.
func (c *Client) StreamURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/api/progress")
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.cfg.APIKey)
	q.Set("id", c.cfg.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the stream unless one is already open or being opened.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wanted = true
	if c.state != StateIdle {
		return
	}
	c.startLocked()
}

// Disconnect closes the stream and cancels any pending reconnect. Once it returns no further
// message reaches the handler until Connect is called again. It must not be called from a Handler.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.wanted = false
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.state = StateIdle
	c.mu.Unlock()

	c.dispatchMu.Lock()
	c.dispatchMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns the number of delivered and discarded messages.
func (c *Client) Stats() (received, dropped int64) {
	return c.received.Load(), c.dropped.Load()
}

func (c *Client) startLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting
	go c.run(ctx, gen)
}

func (c *Client) run(ctx context.Context, gen uint64) {
	err := c.consume(ctx, gen)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = StateIdle
	if !c.wanted {
		return
	}
	if err != nil {
		c.log.WithError(err).Warnf("progress stream closed, reconnecting in %s", c.cfg.ReconnectDelay)
	} else {
		c.log.Infof("progress stream ended, reconnecting in %s", c.cfg.ReconnectDelay)
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnect = c.cfg.Scheduler.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen || !c.wanted || c.state != StateIdle {
			return
		}
		c.reconnect = nil
		c.startLocked()
	})
}

func (c *Client) consume(ctx context.Context, gen uint64) error {
	target, err := c.StreamURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateOpen
	c.mu.Unlock()
	c.log.Info("progress stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				c.dispatch(gen, strings.Join(data, "\n"))
				data = data[:0]
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field == "data" {
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

type envelope struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type progressPayload struct {
	Type          string  `json:"type"`
	Percentage    float64 `json:"percentage"`
	DownloadSpeed float64 `json:"downloadSpeed"`
	UploadSpeed   float64 `json:"uploadSpeed"`
	Name          string  `json:"name"`
	TotalSize     int64   `json:"totalSize"`
	Peers         int     `json:"peers"`
	ETA           float64 `json:"eta"`
}

// Decode turns one event payload into a progress event. It returns false for anything that is
// not a well-formed progress message.
func Decode(raw string, now time.Time) (domain.ProgressEvent, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return domain.ProgressEvent{}, false
	}
	if env.ID == "" || len(env.Data) == 0 || string(env.Data) == "null" {
		return domain.ProgressEvent{}, false
	}
	var p progressPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return domain.ProgressEvent{}, false
	}
	if p.Type != "progress" {
		return domain.ProgressEvent{}, false
	}
	return domain.ProgressEvent{
		ID:            env.ID,
		Percentage:    p.Percentage,
		DownloadSpeed: p.DownloadSpeed,
		UploadSpeed:   p.UploadSpeed,
		TotalSize:     p.TotalSize,
		Peers:         p.Peers,
		ETA:           int64(p.ETA),
		Name:          p.Name,
		Timestamp:     now,
	}, true
}

func (c *Client) dispatch(gen uint64, raw string) {
	ev, ok := Decode(raw, c.cfg.Now())
	if !ok {
		c.dropped.Add(1)
		c.log.WithField("payload", raw).Debug("discarding malformed progress message")
		return
	}
	c.dispatchMu.RLock()
	defer c.dispatchMu.RUnlock()

	c.mu.Lock()
	current := gen == c.gen
	c.mu.Unlock()
	if !current {
		return
	}
	h := c.handler.Load()
	if h == nil || *h == nil {
		c.dropped.Add(1)
		return
	}
	c.received.Add(1)
	(*h).HandleProgress(ev)
}
