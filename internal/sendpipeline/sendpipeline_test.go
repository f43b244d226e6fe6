package sendpipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaywire/sessioncore/internal/model"
	"github.com/relaywire/sessioncore/internal/pending"
	"github.com/relaywire/sessioncore/internal/wire"
)

type fakeSocket struct {
	mu      sync.Mutex
	healthy bool
	sent    []wire.PromptData
	sendErr error
}

func (f *fakeSocket) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeSocket) WaitHealthy(ctx context.Context) error {
	f.mu.Lock()
	healthy := f.healthy
	f.mu.Unlock()
	if healthy {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return context.DeadlineExceeded
	}
}

func (f *fakeSocket) Send(msgType string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if msgType == wire.MsgTypePrompt {
		f.sent = append(f.sent, data.(wire.PromptData))
	}
	return nil
}

func (f *fakeSocket) ForceReconnect() {}

func (f *fakeSocket) lastPromptID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].PromptID
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	store := pending.NewStore(filepath.Join(t.TempDir(), "pending.json"))
	return New(store)
}

func TestSend_NoSessionID(t *testing.T) {
	p := newTestPipeline(t)
	sock := &fakeSocket{healthy: true}
	_, err := p.Send(context.Background(), sock, Request{Message: "hi"})
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}

func TestSend_ConnectionTimeoutWhenSocketNeverBecomesHealthy(t *testing.T) {
	p := newTestPipeline(t)
	sock := &fakeSocket{healthy: false}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Send(ctx, sock, Request{SessionID: "s1", Message: "hi"})
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Errorf("err = %v, want ErrConnectionTimeout", err)
	}
}

func TestSend_TransportFailureCleansUpPendingEntry(t *testing.T) {
	p := newTestPipeline(t)
	sock := &fakeSocket{healthy: true, sendErr: errors.New("boom")}

	_, err := p.Send(context.Background(), sock, Request{SessionID: "s1", Message: "hi"})
	if !errors.Is(err, ErrTransportSendFailed) {
		t.Errorf("err = %v, want ErrTransportSendFailed", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.byPrompt) != 0 {
		t.Errorf("expected no pending entries after transport failure, got %d", len(p.byPrompt))
	}
}

func TestSend_ResolvedByPromptReceived(t *testing.T) {
	p := newTestPipeline(t)
	sock := &fakeSocket{healthy: true}

	done := make(chan struct{})
	var resultErr error
	go func() {
		_, resultErr = p.Send(context.Background(), sock, Request{SessionID: "s1", Message: "hi"})
		close(done)
	}()

	var promptID string
	for i := 0; i < 100 && promptID == ""; i++ {
		time.Sleep(time.Millisecond)
		promptID = sock.lastPromptID()
	}
	if promptID == "" {
		t.Fatal("prompt was never sent")
	}

	p.HandlePromptReceived(promptID)

	select {
	case <-done:
		if resultErr != nil {
			t.Errorf("Send returned error %v, want nil", resultErr)
		}
	case <-time.After(time.Second):
		t.Fatal("Send never returned")
	}
}

func TestSend_ResolvedByStreamingEvent(t *testing.T) {
	p := newTestPipeline(t)
	sock := &fakeSocket{healthy: true}

	done := make(chan struct{})
	go func() {
		p.Send(context.Background(), sock, Request{SessionID: "s1", Message: "hi"})
		close(done)
	}()

	for i := 0; i < 100 && sock.lastPromptID() == ""; i++ {
		time.Sleep(time.Millisecond)
	}

	p.HandleStreamingEvent("s1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send never resolved on streaming event")
	}
}

func TestSend_RejectedByError(t *testing.T) {
	p := newTestPipeline(t)
	sock := &fakeSocket{healthy: true}

	var resultErr error
	done := make(chan struct{})
	go func() {
		_, resultErr = p.Send(context.Background(), sock, Request{SessionID: "s1", Message: "hi"})
		close(done)
	}()

	var promptID string
	for i := 0; i < 100 && promptID == ""; i++ {
		time.Sleep(time.Millisecond)
		promptID = sock.lastPromptID()
	}

	p.HandleError(promptID, "something broke")

	select {
	case <-done:
		var serverErr *ServerError
		if !errors.As(resultErr, &serverErr) {
			t.Fatalf("err = %v, want *ServerError", resultErr)
		}
		if serverErr.Message != "something broke" {
			t.Errorf("message = %q, want %q", serverErr.Message, "something broke")
		}
	case <-time.After(time.Second):
		t.Fatal("Send never rejected")
	}
}

func TestSend_AppendsOptimisticLocalMessageUnlessSkipped(t *testing.T) {
	p := newTestPipeline(t)
	sock := &fakeSocket{healthy: true}

	var appended []model.Message
	p.AppendLocalMessage = func(sessionID string, msg model.Message) {
		appended = append(appended, msg)
	}

	done := make(chan struct{})
	go func() {
		p.Send(context.Background(), sock, Request{SessionID: "s1", Message: "hi"})
		close(done)
	}()
	for i := 0; i < 100 && sock.lastPromptID() == ""; i++ {
		time.Sleep(time.Millisecond)
	}
	p.HandleStreamingEvent("s1")
	<-done

	if len(appended) != 1 || appended[0].Text != "hi" {
		t.Errorf("expected one appended message with text 'hi', got %+v", appended)
	}
	if appended[0].PromptID == "" || appended[0].PromptID != sock.lastPromptID() {
		t.Errorf("appended message PromptID = %q, want %q", appended[0].PromptID, sock.lastPromptID())
	}

	appended = nil
	done2 := make(chan struct{})
	go func() {
		p.Send(context.Background(), sock, Request{SessionID: "s1", Message: "retry", SkipMessageAdd: true})
		close(done2)
	}()
	for i := 0; i < 100 && len(sock.sent) < 2; i++ {
		time.Sleep(time.Millisecond)
	}
	p.HandleStreamingEvent("s1")
	<-done2

	if len(appended) != 0 {
		t.Errorf("expected no appended message when SkipMessageAdd is set, got %+v", appended)
	}
}

func TestHandleUserPrompt_StampsSeqOnMatchingPromptID(t *testing.T) {
	p := newTestPipeline(t)
	sock := &fakeSocket{healthy: true}

	type stamp struct {
		sessionID, promptID string
		seq                 int64
	}
	var stamps []stamp
	p.StampSeq = func(sessionID, promptID string, seq int64) {
		stamps = append(stamps, stamp{sessionID, promptID, seq})
	}

	done := make(chan struct{})
	go func() {
		p.Send(context.Background(), sock, Request{SessionID: "s1", Message: "hi"})
		close(done)
	}()
	var promptID string
	for i := 0; i < 100 && promptID == ""; i++ {
		time.Sleep(time.Millisecond)
		promptID = sock.lastPromptID()
	}
	if promptID == "" {
		t.Fatal("send never reached the socket")
	}

	p.HandleUserPrompt(promptID, 11)
	<-done

	if len(stamps) != 1 || stamps[0].sessionID != "s1" || stamps[0].promptID != promptID || stamps[0].seq != 11 {
		t.Errorf("stamps = %+v, want one stamp for session s1, promptID %s, seq 11", stamps, promptID)
	}
}
