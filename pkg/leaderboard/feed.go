package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const handshakeTimeout = 10 * time.Second

// Subscriber opens a live subscription to the top of the leaderboard.
// onSnapshot receives every snapshot, the first one before Subscribe
// returns. onClosed is called once if the subscription ends without Close.
type Subscriber interface {
	Subscribe(ctx context.Context, onSnapshot func([]ScoreEntry), onClosed func(error)) (io.Closer, error)
}

// FeedSubscriber subscribes to the score service's websocket feed
type FeedSubscriber struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewFeedSubscriber creates a subscriber for the feed at url (ws:// or wss://)
func NewFeedSubscriber(url string, logger *slog.Logger) *FeedSubscriber {
	return &FeedSubscriber{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		logger: logger,
	}
}

type feed struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closed    chan struct{}
}

func (f *feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = f.conn.Close()
	})
	return err
}

// Subscribe dials the feed, subscribes to the scores topic and waits for the
// first snapshot
func (s *FeedSubscriber) Subscribe(ctx context.Context, onSnapshot func([]ScoreEntry), onClosed func(error)) (io.Closer, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing feed: %w", err)
	}

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "topic": "scores"}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("waiting for first snapshot: %w", err)
		}

		switch gjson.GetBytes(msg, "type").String() {
		case "snapshot":
			entries, err := decodeSnapshot(msg)
			if err != nil {
				conn.Close()
				return nil, err
			}
			conn.SetReadDeadline(time.Time{})
			onSnapshot(entries)

			f := &feed{conn: conn, closed: make(chan struct{})}
			go s.readLoop(f, onSnapshot, onClosed)
			return f, nil

		case "error":
			conn.Close()
			return nil, fmt.Errorf("feed refused subscription: %s", gjson.GetBytes(msg, "data.error").String())
		}
	}
}

func (s *FeedSubscriber) readLoop(f *feed, onSnapshot func([]ScoreEntry), onClosed func(error)) {
	for {
		_, msg, err := f.conn.ReadMessage()
		if err != nil {
			select {
			case <-f.closed:
			default:
				f.conn.Close()
				if onClosed != nil {
					onClosed(err)
				}
			}
			return
		}

		if gjson.GetBytes(msg, "type").String() != "snapshot" {
			continue
		}
		entries, err := decodeSnapshot(msg)
		if err != nil {
			s.logger.Warn("ignoring undecodable snapshot", "error", err)
			continue
		}
		onSnapshot(entries)
	}
}

func decodeSnapshot(msg []byte) ([]ScoreEntry, error) {
	raw := gjson.GetBytes(msg, "data.entries")
	if !raw.IsArray() {
		return nil, errors.New("snapshot without entries")
	}
	var entries []ScoreEntry
	if err := json.Unmarshal([]byte(raw.Raw), &entries); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return entries, nil
}
