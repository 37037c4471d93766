package router

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/openmeet/meetcore/internal/directory"
	"github.com/openmeet/meetcore/internal/signaling"
)

// countingDirectory records how often each user id was looked up.
type countingDirectory struct {
	mu       sync.Mutex
	lookups  map[int64]int
	failIDs  map[int64]bool
	profiles map[int64]directory.Profile
}

func newCountingDirectory() *countingDirectory {
	return &countingDirectory{
		lookups:  make(map[int64]int),
		failIDs:  make(map[int64]bool),
		profiles: make(map[int64]directory.Profile),
	}
}

func (d *countingDirectory) add(id int64, first string) {
	d.profiles[id] = directory.Profile{ID: id, FirstName: first}
}

func (d *countingDirectory) Lookup(_ context.Context, id int64) (*directory.Profile, error) {
	d.mu.Lock()
	d.lookups[id]++
	d.mu.Unlock()
	if d.failIDs[id] {
		return nil, fmt.Errorf("lookup failed for %d", id)
	}
	p, ok := d.profiles[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return &p, nil
}

func (d *countingDirectory) count(id int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups[id]
}

func newTestRouter(dir directory.Directory) *Router {
	r := New(context.Background(), dir, 3, zap.NewNop())
	r.SetLocalSocketID("local-sock")
	return r
}

func joined(infos ...signaling.ParticipantInfo) signaling.UserJoinedMessage {
	return signaling.UserJoinedMessage{ParticipantsInfo: infos}
}

func info(id int64, socket string, audio, video bool) signaling.ParticipantInfo {
	return signaling.ParticipantInfo{
		ID:       id,
		SocketID: socket,
		Status:   signaling.ParticipantStatus{IsAudioOn: audio, IsVideoOn: video},
	}
}

func TestUserJoinedLooksUpOnlyUnknown(t *testing.T) {
	dir := newCountingDirectory()
	dir.add(1, "alice")
	dir.add(2, "bob")
	r := newTestRouter(dir)

	r.HandleUserJoined(context.Background(), joined(
		info(1, "sock-a", true, true),
		info(2, "sock-b", true, false),
	))

	if got := len(r.Participants()); got != 2 {
		t.Fatalf("participants = %d, want 2", got)
	}
	if dir.count(1) != 1 || dir.count(2) != 1 {
		t.Fatalf("unexpected lookup counts: %d, %d", dir.count(1), dir.count(2))
	}

	// Same roster again: flags update, nobody is re-fetched.
	r.HandleUserJoined(context.Background(), joined(
		info(1, "sock-a", false, true),
		info(2, "sock-b", true, false),
	))

	if dir.count(1) != 1 || dir.count(2) != 1 {
		t.Fatalf("known participants re-fetched: %d, %d", dir.count(1), dir.count(2))
	}
	for _, p := range r.Participants() {
		if p.SocketID == "sock-a" && p.AudioOn {
			t.Fatal("status update from second roster not applied")
		}
	}
}

func TestUserJoinedSkipsLocalSocket(t *testing.T) {
	dir := newCountingDirectory()
	dir.add(9, "me")
	r := newTestRouter(dir)

	r.HandleUserJoined(context.Background(), joined(info(9, "local-sock", true, true)))

	if got := len(r.Participants()); got != 0 {
		t.Fatalf("local participant entered the remote set: %d entries", got)
	}
	if dir.count(9) != 0 {
		t.Fatal("directory consulted for the local user")
	}
}

func TestUserJoinedKeepsSuccessesOnPartialFailure(t *testing.T) {
	dir := newCountingDirectory()
	dir.add(1, "alice")
	dir.failIDs[2] = true
	r := newTestRouter(dir)

	r.HandleUserJoined(context.Background(), joined(
		info(1, "sock-a", true, true),
		info(2, "sock-b", true, true),
	))

	ps := r.Participants()
	if len(ps) != 1 {
		t.Fatalf("participants = %d, want 1", len(ps))
	}
	if ps[0].FirstName != "alice" {
		t.Fatalf("wrong participant survived: %+v", ps[0])
	}
}

func TestTransceiverInfoKeepsKindsSeparate(t *testing.T) {
	r := newTestRouter(newCountingDirectory())

	// Audio mid 2 and video mid 2 belong to different sockets; the two
	// numeric spaces must not collide.
	r.HandleTransceiverInfo(signaling.TransceiverInfoMessage{Mid: "2", Kind: "audio", SocketID: "sock-a"})
	r.HandleTransceiverInfo(signaling.TransceiverInfoMessage{Mid: "2", Kind: "video", SocketID: "sock-b"})

	r.mu.Lock()
	a, b := r.audioMids[2], r.videoMids[2]
	r.mu.Unlock()
	if a != "sock-a" || b != "sock-b" {
		t.Fatalf("mid spaces collided: audio=%q video=%q", a, b)
	}
}

func TestScreenMidTrackedSeparately(t *testing.T) {
	r := newTestRouter(newCountingDirectory())

	if _, ok := r.ScreenMid(); ok {
		t.Fatal("screen mid reported before any arrived")
	}

	r.HandleTransceiverInfo(signaling.TransceiverInfoMessage{Mid: "4", Kind: "video", Type: "screen", SocketID: "sock-a"})

	mid, ok := r.ScreenMid()
	if !ok || mid != 4 {
		t.Fatalf("screen mid = %d/%v, want 4/true", mid, ok)
	}
	r.mu.Lock()
	_, inVideo := r.videoMids[4]
	r.mu.Unlock()
	if inVideo {
		t.Fatal("screen mid leaked into the participant video map")
	}
}

func TestTransceiverInfoRejectsNonNumericMid(t *testing.T) {
	r := newTestRouter(newCountingDirectory())
	r.HandleTransceiverInfo(signaling.TransceiverInfoMessage{Mid: "video-0", Kind: "video", SocketID: "s"})

	r.mu.Lock()
	n := len(r.videoMids)
	r.mu.Unlock()
	if n != 0 {
		t.Fatal("non-numeric mid was recorded")
	}
}

func TestDisconnectRemovesEverything(t *testing.T) {
	dir := newCountingDirectory()
	dir.add(1, "alice")
	r := newTestRouter(dir)

	r.HandleUserJoined(context.Background(), joined(info(1, "sock-a", true, true)))
	r.HandleTransceiverInfo(signaling.TransceiverInfoMessage{Mid: "0", Kind: "audio", SocketID: "sock-a"})
	r.HandleTransceiverInfo(signaling.TransceiverInfoMessage{Mid: "0", Kind: "video", SocketID: "sock-a"})

	r.HandleDisconnect("sock-a")

	if len(r.Participants()) != 0 {
		t.Fatal("participant survived disconnect")
	}
	r.mu.Lock()
	na, nv := len(r.audioMids), len(r.videoMids)
	r.mu.Unlock()
	if na != 0 || nv != 0 {
		t.Fatalf("mid maps survived disconnect: audio=%d video=%d", na, nv)
	}
	if got := r.Bindings(); len(got) != 1 || !got[0].Local {
		t.Fatalf("bindings after disconnect: %+v", got)
	}
}

func TestBindingsLocalFirst(t *testing.T) {
	dir := newCountingDirectory()
	dir.add(1, "alice")
	dir.add(2, "bob")
	r := newTestRouter(dir)

	r.HandleUserJoined(context.Background(), joined(
		info(1, "sock-a", true, true),
		info(2, "sock-b", true, true),
	))

	got := r.Bindings()
	if len(got) != 3 {
		t.Fatalf("bindings = %d, want 3", len(got))
	}
	if !got[0].Local || got[0].SocketID != "local-sock" {
		t.Fatalf("first binding is not the local participant: %+v", got[0])
	}
	for _, b := range got[1:] {
		if b.Local {
			t.Fatalf("remote binding flagged local: %+v", b)
		}
	}
}

func TestStatusUpdates(t *testing.T) {
	dir := newCountingDirectory()
	dir.add(1, "alice")
	r := newTestRouter(dir)
	r.HandleUserJoined(context.Background(), joined(info(1, "sock-a", true, true)))

	r.HandleStatus(signaling.EventMuteAudio, signaling.StatusMessage{SocketID: "sock-a"})
	r.HandleStatus(signaling.EventMuteVideo, signaling.StatusMessage{SocketID: "sock-a"})

	p := r.Participants()[0]
	if p.AudioOn || p.VideoOn {
		t.Fatalf("mute events not applied: %+v", p)
	}

	r.HandleStatus(signaling.EventUnmuteAudio, signaling.StatusMessage{SocketID: "sock-a"})
	if !r.Participants()[0].AudioOn {
		t.Fatal("unmute event not applied")
	}

	// Events for unknown sockets are dropped, not created.
	r.HandleStatus(signaling.EventMuteAudio, signaling.StatusMessage{SocketID: "ghost"})
	if len(r.Participants()) != 1 {
		t.Fatal("status event created a participant")
	}
}

func TestSharingOwnerLastWriterWins(t *testing.T) {
	dir := newCountingDirectory()
	dir.add(1, "alice")
	dir.add(2, "bob")
	r := newTestRouter(dir)
	r.HandleUserJoined(context.Background(), joined(
		info(1, "sock-a", true, true),
		info(2, "sock-b", true, true),
	))

	r.SetSharingOwner("sock-a")
	r.SetSharingOwner("sock-b")

	for _, p := range r.Participants() {
		if p.SocketID == "sock-a" && p.Sharing {
			t.Fatal("previous presenter still flagged as sharing")
		}
		if p.SocketID == "sock-b" && !p.Sharing {
			t.Fatal("current presenter not flagged as sharing")
		}
	}
}
