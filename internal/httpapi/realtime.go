package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"qpro/queue-engine/internal/notify"
	"qpro/queue-engine/internal/store"

	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const (
	closeAccessDenied   = 4003
	closeInvalidSession = 4002
	realtimeSendBuffer  = 16
)

type RealtimeConfig struct {
	ReconcileInterval time.Duration
}

// Realtime pushes live views over SockJS. Each session watches at most one
// office, optionally narrowed to one token.
type Realtime struct {
	source   notify.ViewSource
	feed     notify.Feed
	sessions store.SessionStore
	passes   *HolderPasses
	interval time.Duration
	logger   *zap.Logger
}

type subscribeMessage struct {
	Action     string `json:"action"`
	OfficeID   string `json:"office_id"`
	TokenID    string `json:"token_id"`
	HolderPass string `json:"holder_pass"`
}

type realtimeFrame struct {
	Type          string                `json:"type"`
	View          interface{}           `json:"view,omitempty"`
	Notifications []notify.Notification `json:"notifications,omitempty"`
	Error         *responseError        `json:"error,omitempty"`
}

func NewRealtime(source notify.ViewSource, feed notify.Feed, sessions store.SessionStore, passes *HolderPasses, cfg RealtimeConfig, logger *zap.Logger) *Realtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Realtime{
		source:   source,
		feed:     feed,
		sessions: sessions,
		passes:   passes,
		interval: cfg.ReconcileInterval,
		logger:   logger,
	}
}

func (rt *Realtime) Handler() http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, rt.serve)
}

func (rt *Realtime) serve(session sockjs.Session) {
	var operator *authInfo
	if sessionID := realtimeSessionID(session.Request()); sessionID != "" {
		info, err := resolveSession(context.Background(), rt.sessions, sessionID)
		if err != nil {
			_ = session.Close(closeInvalidSession, "invalid session")
			return
		}
		operator = &info
	}

	send := make(chan []byte, realtimeSendBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)
	stop := func() {
		if cancel != nil {
			cancel()
			wg.Wait()
			cancel = nil
		}
	}
	defer func() {
		stop()
		close(send)
		<-writerDone
	}()

	for {
		raw, err := session.Recv()
		if err != nil {
			return
		}
		msg, ok := parseSubscribe([]byte(raw))
		if !ok {
			continue
		}
		if msg.Action == "unsubscribe" {
			stop()
			continue
		}
		if code, reason := rt.authorize(msg, operator); code != "" {
			rt.logger.Info("realtime subscription rejected",
				zap.String("session", session.ID()), zap.String("office_id", msg.OfficeID), zap.String("reason", reason))
			_ = session.Close(closeAccessDenied, reason)
			return
		}

		stop()
		ctx, cancelWatch := context.WithCancel(context.Background())
		cancel = cancelWatch
		watcher := notify.NewWatcher(rt.source, rt.feed, msg.OfficeID, msg.TokenID, rt.interval, rt.logger)
		showHolder := msg.TokenID != ""
		isOperator := operator != nil && operator.canOperate(msg.OfficeID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := watcher.Run(ctx, func(update notify.Update) error {
				frame := realtimeFrame{
					Type:          "view",
					View:          redactView(update.View, isOperator, showHolder),
					Notifications: update.Notifications,
				}
				if !deliver(ctx, send, frame) {
					return ctx.Err()
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				status, code, message := mapError(err)
				if errors.Is(err, store.ErrTransientUnavailable) || status >= http.StatusInternalServerError {
					code, message = "unavailable", "live view unavailable"
				}
				deliver(ctx, send, realtimeFrame{Type: "error", Error: &responseError{Code: code, Message: message}})
			}
		}()
	}
}

// authorize returns a non-empty code when the subscription is refused.
func (rt *Realtime) authorize(msg subscribeMessage, operator *authInfo) (string, string) {
	if msg.OfficeID == "" || !isValidUUID(msg.OfficeID) {
		return "invalid_request", "office_id must be a UUID"
	}
	if msg.TokenID == "" {
		return "", ""
	}
	if !isValidUUID(msg.TokenID) {
		return "invalid_request", "token_id must be a UUID"
	}
	if operator != nil && operator.canOperate(msg.OfficeID) {
		return "", ""
	}
	if rt.passes == nil {
		return "access_denied", "holder pass required"
	}
	claims, err := rt.passes.Verify(msg.HolderPass)
	if err != nil || claims.TokenID != msg.TokenID || claims.OfficeID != msg.OfficeID {
		return "access_denied", "holder pass required"
	}
	return "", ""
}

// deliver waits for room in the client's send buffer so that one-shot
// notifications are never dropped. It gives up when ctx ends.
func deliver(ctx context.Context, send chan<- []byte, frame realtimeFrame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	select {
	case send <- payload:
		return true
	case <-ctx.Done():
		return false
	}
}

func parseSubscribe(data []byte) (subscribeMessage, bool) {
	var msg subscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return subscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return subscribeMessage{}, false
	}
	msg.OfficeID = strings.TrimSpace(msg.OfficeID)
	msg.TokenID = strings.TrimSpace(msg.TokenID)
	msg.HolderPass = strings.TrimSpace(msg.HolderPass)
	return msg, true
}

func realtimeSessionID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}
