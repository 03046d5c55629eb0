package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"protocol-notifier/internal/delivery"
	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
)

func TestCallbackDataRoundTrip(t *testing.T) {
	data := callbackData("n-1", models.ActionSnooze)
	id, action, ok := parseCallbackData(data)
	if !ok || id != "n-1" || action != models.ActionSnooze {
		t.Fatalf("got %q %q %v", id, action, ok)
	}
	for _, bad := range []string{"", "snooze", "|n-1", "snooze|"} {
		if _, _, ok := parseCallbackData(bad); ok {
			t.Errorf("parseCallbackData(%q) should fail", bad)
		}
	}
}

func TestActionKeyboard(t *testing.T) {
	if kb := actionKeyboard(delivery.Content{NotificationID: "n-1"}); kb != nil {
		t.Fatal("no actions should mean no keyboard")
	}
	kb := actionKeyboard(delivery.Content{NotificationID: "n-1", Actions: []string{models.ActionSnooze, models.ActionMarkTaken}})
	if kb == nil || len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("unexpected keyboard %+v", kb)
	}
	if kb.InlineKeyboard[0][1].CallbackData != "mark_taken|n-1" {
		t.Fatalf("unexpected callback data %q", kb.InlineKeyboard[0][1].CallbackData)
	}
}

func TestFormatMessage(t *testing.T) {
	got := formatMessage(delivery.Content{Title: "Dose", Body: "Take it"})
	if got != "*Dose*\nTake it" {
		t.Fatalf("got %q", got)
	}
}

type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) Send(context.Context, delivery.Content) error {
	s.calls++
	return s.err
}

func TestMultiSender(t *testing.T) {
	ctx := context.Background()
	if err := NewMultiSender().Send(ctx, delivery.Content{}); err == nil {
		t.Fatal("empty sender should fail")
	}

	ok, broken := &stubSender{}, &stubSender{err: errors.New("down")}
	m := NewMultiSender()
	m.Add("broken", broken)
	m.Add("ok", ok)
	if err := m.Send(ctx, delivery.Content{}); err != nil {
		t.Fatalf("one working channel should be enough: %v", err)
	}
	if ok.calls != 1 || broken.calls != 1 {
		t.Fatal("every channel should be tried")
	}

	all := NewMultiSender()
	all.Add("broken", broken)
	if err := all.Send(ctx, delivery.Content{}); err == nil || !strings.Contains(err.Error(), "broken: down") {
		t.Fatalf("expected joined error, got %v", err)
	}
}

func TestWebSocketSendAndRespond(t *testing.T) {
	responses := make(chan [2]string, 1)
	m := NewWebSocketManager(logging.NewDiscard(), func(id, action string) {
		responses <- [2]string{id, action}
	})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.Serve("u-1", conn)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.Connections("u-1") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := m.Send(context.Background(), delivery.Content{NotificationID: "n-1", UserID: "u-1", Title: "Dose"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := client.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Kind != MessageNotification || msg.Content.NotificationID != "n-1" {
		t.Fatalf("unexpected message %+v", msg)
	}

	reply, _ := json.Marshal(clientResponse{NotificationID: "n-1", Action: models.ActionMarkTaken})
	if err := client.WriteMessage(websocket.TextMessage, reply); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-responses:
		if got != [2]string{"n-1", models.ActionMarkTaken} {
			t.Fatalf("unexpected response %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("response not delivered")
	}
}

func TestWebSocketSendWithoutConnections(t *testing.T) {
	m := NewWebSocketManager(logging.NewDiscard(), nil)
	err := m.Badge(context.Background(), "u-1", delivery.Content{Title: "Off"})
	if !errors.Is(err, ErrNoConnections) {
		t.Fatalf("expected ErrNoConnections, got %v", err)
	}
}
