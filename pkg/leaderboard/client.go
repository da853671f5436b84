// Package leaderboard is the game-side client of the score service.
//
// A Client shows the top of the leaderboard, preferring the live feed and
// falling back to a mirror kept in local Storage. Submitted scores are
// written to the mirror optimistically so a player always sees their own
// run, even offline. A definitive rejection by the service (HTTP 400)
// removes the optimistic entry again; network and server failures keep it.
package leaderboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
	"github.com/robtomcowparis/neondefense4-sub001/internal/validate"
)

// ScoreEntry is one leaderboard record
type ScoreEntry = domain.ScoreEntry

// Size is the number of entries the client keeps and shows
const Size = domain.LeaderboardSize

const localKeyPrefix = "local-"

// ScoreData describes a finished run
type ScoreData struct {
	Name        string `json:"name"`
	Waves       int    `json:"waves"`
	Kills       int    `json:"kills"`
	TowersBuilt int    `json:"towers_built"`
	TowersLost  int    `json:"towers_lost"`
	TimeSeconds int    `json:"time_s"`
}

// Config configures a Client
type Config struct {
	// SubmitURL is the full URL of the submission endpoint
	SubmitURL string
	// Subscriber provides the live feed; nil means local-only
	Subscriber Subscriber
	// Storage holds the player name and the local mirror; defaults to memory
	Storage    Storage
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Listener receives every new leaderboard. The slice is shared and must not
// be modified. Listeners run synchronously and must not call SubmitScore.
type Listener func(entries []ScoreEntry)

type listener struct {
	id uint64
	fn Listener
}

// Client is the leaderboard client
type Client struct {
	submitURL  string
	subscriber Subscriber
	storage    Storage
	http       *http.Client
	logger     *slog.Logger
	now        func() time.Time

	// notifyMu serializes board replacement with listener notification
	notifyMu sync.Mutex

	// mirrorMu serializes read-modify-write of the stored mirror
	mirrorMu sync.Mutex

	mu         sync.Mutex
	entries    []ScoreEntry
	listeners  []listener
	nextID     uint64
	playerName string
	localOnly  bool
	feed       io.Closer

	// generation identifies the current subscription; callbacks from older
	// feeds are ignored
	generation uint64
	dropped    bool
}

// New creates a client. Nothing is loaded until Init.
func New(cfg Config) *Client {
	c := &Client{
		submitURL:  cfg.SubmitURL,
		subscriber: cfg.Subscriber,
		storage:    cfg.Storage,
		http:       cfg.HTTPClient,
		logger:     cfg.Logger,
		now:        time.Now,
		entries:    []ScoreEntry{},
		localOnly:  true,
	}
	if c.storage == nil {
		c.storage = NewMemoryStorage()
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Init loads the cached player name and subscribes to the live feed,
// falling back to the local mirror when the feed is unavailable. Calling
// Init again replaces the current subscription, which is how a client
// reconnects after the feed is lost.
func (c *Client) Init(ctx context.Context) {
	name, err := c.storage.GetItem(PlayerNameKey)
	if err != nil {
		c.logger.Warn("could not read player name", "error", err)
	}

	c.mu.Lock()
	c.playerName = name
	c.generation++
	gen := c.generation
	c.dropped = false
	previous := c.feed
	c.feed = nil
	c.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			c.logger.Warn("could not close previous feed", "error", err)
		}
	}

	if c.subscriber == nil {
		c.fallBack()
		return
	}

	feed, err := c.subscriber.Subscribe(ctx,
		func(entries []ScoreEntry) { c.applySnapshot(gen, entries) },
		func(err error) { c.feedLost(gen, err) },
	)
	if err != nil {
		c.logger.Warn("live leaderboard unavailable, using local mirror", "error", err)
		c.fallBack()
		return
	}

	c.mu.Lock()
	switch {
	case gen != c.generation:
		// superseded by a later Init or Close
		c.mu.Unlock()
		feed.Close()
	case c.dropped:
		c.mu.Unlock()
	default:
		c.feed = feed
		c.localOnly = false
		c.mu.Unlock()
	}
}

// Close ends the live subscription
func (c *Client) Close() error {
	c.mu.Lock()
	feed := c.feed
	c.feed = nil
	c.generation++
	c.mu.Unlock()

	if feed == nil {
		return nil
	}
	return feed.Close()
}

// Subscription is a registered listener
type Subscription struct {
	client *Client
	id     uint64
	once   sync.Once
}

// Unsubscribe removes the listener. It is safe to call more than once and
// from inside the listener.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.removeListener(s.id)
	})
}

// OnUpdate registers fn for every leaderboard change
func (c *Client) OnUpdate(fn Listener) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	next := make([]listener, 0, len(c.listeners)+1)
	next = append(next, c.listeners...)
	next = append(next, listener{id: c.nextID, fn: fn})
	c.listeners = next

	return &Subscription{client: c, id: c.nextID}
}

func (c *Client) removeListener(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make([]listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		if l.id != id {
			next = append(next, l)
		}
	}
	c.listeners = next
}

// Entries returns the current leaderboard. The slice must not be modified.
func (c *Client) Entries() []ScoreEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries
}

// PlayerName returns the last name used to submit a score
func (c *Client) PlayerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerName
}

// LocalOnly reports whether the board is served from the local mirror
func (c *Client) LocalOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localOnly
}

// SubmitScore records a finished run locally and sends it to the service.
// It reports whether the service accepted the score.
func (c *Client) SubmitScore(ctx context.Context, data ScoreData) bool {
	name := validate.CleanName(data.Name)
	if name == "" || data.Waves < domain.MinWaves {
		c.logger.Warn("score not submitted", "name", data.Name, "waves", data.Waves)
		return false
	}
	data.Name = name

	c.mu.Lock()
	c.playerName = name
	c.mu.Unlock()
	if err := c.storage.SetItem(PlayerNameKey, name); err != nil {
		c.logger.Warn("could not save player name", "error", err)
	}

	entry := c.optimisticEntry(data)
	c.updateMirror(func(mirror []ScoreEntry) []ScoreEntry {
		return domain.InsertTop(mirror, entry, Size)
	})
	c.updateBoard(func(board []ScoreEntry) []ScoreEntry {
		return domain.InsertTop(board, entry, Size)
	})

	status, err := c.post(ctx, data)
	switch {
	case err != nil:
		c.logger.Warn("score submission failed, kept locally", "error", err)
		return false
	case status == http.StatusOK:
		return true
	case status == http.StatusBadRequest:
		c.logger.Warn("score rejected by server", "status", status)
		c.withdraw(entry.Key)
		return false
	default:
		c.logger.Warn("score submission failed, kept locally", "status", status)
		return false
	}
}

func (c *Client) optimisticEntry(data ScoreData) ScoreEntry {
	now := c.now()
	entry := domain.ScorePayload{
		Name:        data.Name,
		Waves:       data.Waves,
		Kills:       data.Kills,
		TowersBuilt: data.TowersBuilt,
		TowersLost:  data.TowersLost,
		TimeSeconds: data.TimeSeconds,
	}.Stamp(localKeyPrefix+uuid.New().String(), now)
	entry.Date = now.Format(domain.DateLayout)
	return entry
}

func (c *Client) withdraw(key string) {
	c.updateMirror(func(mirror []ScoreEntry) []ScoreEntry {
		next, _ := domain.RemoveKey(mirror, key)
		return next
	})
	c.updateBoard(func(board []ScoreEntry) []ScoreEntry {
		next, _ := domain.RemoveKey(board, key)
		return next
	})
}

func (c *Client) post(ctx context.Context, data ScoreData) (int, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encoding score: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.submitURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

func (c *Client) applySnapshot(gen uint64, entries []ScoreEntry) {
	if !c.current(gen) {
		return
	}
	top := domain.TopN(entries, Size)
	c.updateBoard(func([]ScoreEntry) []ScoreEntry { return top })
}

func (c *Client) feedLost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.feed = nil
	c.dropped = true
	c.mu.Unlock()

	c.logger.Warn("live leaderboard lost, using local mirror", "error", err)
	c.fallBack()
}

func (c *Client) fallBack() {
	mirror := c.loadMirror()
	c.mu.Lock()
	c.localOnly = true
	c.mu.Unlock()
	c.updateBoard(func([]ScoreEntry) []ScoreEntry { return mirror })
}

// updateBoard swaps in a new board built by next and notifies listeners in
// registration order before any other update can start
func (c *Client) updateBoard(next func([]ScoreEntry) []ScoreEntry) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	board := next(c.entries)
	c.entries = board
	listeners := c.listeners
	c.mu.Unlock()

	for _, l := range listeners {
		l.fn(board)
	}
}

func (c *Client) loadMirror() []ScoreEntry {
	raw, err := c.storage.GetItem(LeaderboardKey)
	if err != nil {
		c.logger.Warn("could not read local leaderboard", "error", err)
		return []ScoreEntry{}
	}
	if raw == "" {
		return []ScoreEntry{}
	}

	var entries []ScoreEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		c.logger.Warn("discarding corrupt local leaderboard", "error", err)
		return []ScoreEntry{}
	}
	return domain.TopN(entries, Size)
}

func (c *Client) updateMirror(next func([]ScoreEntry) []ScoreEntry) {
	c.mirrorMu.Lock()
	defer c.mirrorMu.Unlock()

	data, err := json.Marshal(next(c.loadMirror()))
	if err != nil {
		c.logger.Warn("could not encode local leaderboard", "error", err)
		return
	}
	if err := c.storage.SetItem(LeaderboardKey, string(data)); err != nil {
		c.logger.Warn("could not save local leaderboard", "error", err)
	}
}
