// Package chattest provides an in-memory chat.Transport for tests.
package chattest

import (
	"context"
	"fmt"
	"io"
	"sync"
)

type Sent struct {
	ChannelID string
	MessageID string
	Content   string
	FileName  string
	File      []byte
}

type Call struct {
	Op        string
	ChannelID string
	MessageID string
	Arg       string
}

// Transport records every call in order. Set the *Err fields to make the
// matching operation fail.
type Transport struct {
	mu    sync.Mutex
	seq   int
	Sent  []Sent
	Calls []Call

	SendErr     error
	SendFileErr error
	PurgeErr    error
}

func (t *Transport) Send(_ context.Context, channelID, content string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, Call{Op: "send", ChannelID: channelID, Arg: content})
	if t.SendErr != nil {
		return "", t.SendErr
	}
	t.seq++
	id := fmt.Sprintf("m%d", t.seq)
	t.Sent = append(t.Sent, Sent{ChannelID: channelID, MessageID: id, Content: content})
	return id, nil
}

func (t *Transport) SendFile(_ context.Context, channelID, content, name string, r io.Reader) error {
	data, readErr := io.ReadAll(r)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, Call{Op: "send_file", ChannelID: channelID, Arg: name})
	if t.SendFileErr != nil {
		return t.SendFileErr
	}
	if readErr != nil {
		return readErr
	}
	t.seq++
	t.Sent = append(t.Sent, Sent{ChannelID: channelID, MessageID: fmt.Sprintf("m%d", t.seq), Content: content, FileName: name, File: data})
	return nil
}

func (t *Transport) React(_ context.Context, channelID, messageID, emoji string) error {
	t.record(Call{Op: "react", ChannelID: channelID, MessageID: messageID, Arg: emoji})
	return nil
}

func (t *Transport) ClearReactions(_ context.Context, channelID, messageID string) error {
	t.record(Call{Op: "clear_reactions", ChannelID: channelID, MessageID: messageID})
	return nil
}

func (t *Transport) Edit(_ context.Context, channelID, messageID, content string) error {
	t.record(Call{Op: "edit", ChannelID: channelID, MessageID: messageID, Arg: content})
	return nil
}

func (t *Transport) Purge(_ context.Context, channelID string) (int, error) {
	t.record(Call{Op: "purge", ChannelID: channelID})
	return 0, t.PurgeErr
}

func (t *Transport) record(call Call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, call)
}

// Ops lists the operation names in call order.
func (t *Transport) Ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]string, 0, len(t.Calls))
	for _, call := range t.Calls {
		ops = append(ops, call.Op)
	}
	return ops
}

// Messages returns the text of every message sent to channelID.
func (t *Transport) Messages(channelID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, sent := range t.Sent {
		if sent.ChannelID == channelID {
			out = append(out, sent.Content)
		}
	}
	return out
}

func (t *Transport) Files() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Sent
	for _, sent := range t.Sent {
		if sent.FileName != "" {
			out = append(out, sent)
		}
	}
	return out
}

func (t *Transport) Count(op string) int {
	n := 0
	for _, name := range t.Ops() {
		if name == op {
			n++
		}
	}
	return n
}
