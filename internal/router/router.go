package router

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/openmeet/meetcore/internal/directory"
	"github.com/openmeet/meetcore/internal/signaling"
	"github.com/openmeet/meetcore/internal/stt"
)

// Participant is one remote attendee. The socket id is session-scoped
// and changes across reconnects; the user id is stable.
type Participant struct {
	UserID    int64
	SocketID  string
	FirstName string
	LastName  string
	Avatar    string
	AudioOn   bool
	VideoOn   bool
	Sharing   bool
}

// Binding is what the renderer consumes: one participant's socket id with
// whatever tracks have resolved for it so far. The local participant is
// always first in the rendered collection.
type Binding struct {
	SocketID   string
	Local      bool
	AudioTrack *webrtc.TrackRemote
	VideoTrack *webrtc.TrackRemote
}

// channelMessage is the JSON shape relayed over the "messages" data
// channel for cross-track subtitles.
type channelMessage struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Router demultiplexes inbound media tracks by negotiation mid, maps mids
// to participant socket ids from signaling metadata, and keeps the
// participant set current. All maps are mutated only through its event
// handlers; negotiation code never touches them directly.
type Router struct {
	mu sync.Mutex

	localSocketID string

	// Audio and video mids negotiate in independent numeric spaces, so
	// the two maps are kept separate. Values are socket ids.
	audioMids map[int]string
	videoMids map[int]string

	screenMid    int
	hasScreenMid bool

	audioTracks map[int]*webrtc.TrackRemote
	videoTracks map[int]*webrtc.TrackRemote
	trackIDs    map[string]struct{}

	participants map[string]*Participant

	stats map[string]*TrackStats

	dir      directory.Directory
	subs     *stt.Window
	drawSink func([]byte)

	ctx context.Context
	log *zap.Logger
}

// TrackStats counts traffic drained from one remote track.
type TrackStats struct {
	Packets uint64
	Bytes   uint64
}

// New builds a router. channelSubtitleCap bounds the window fed by the
// "messages" data channel.
func New(ctx context.Context, dir directory.Directory, channelSubtitleCap int, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		audioMids:    make(map[int]string),
		videoMids:    make(map[int]string),
		audioTracks:  make(map[int]*webrtc.TrackRemote),
		videoTracks:  make(map[int]*webrtc.TrackRemote),
		trackIDs:     make(map[string]struct{}),
		participants: make(map[string]*Participant),
		stats:        make(map[string]*TrackStats),
		dir:          dir,
		subs:         stt.NewWindow(channelSubtitleCap),
		ctx:          ctx,
		log:          log.Named("router"),
	}
}

// SetLocalSocketID records the id the server assigned to the local peer.
func (r *Router) SetLocalSocketID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localSocketID = id
}

// SetDrawSink installs the consumer for "draw" data-channel payloads.
func (r *Router) SetDrawSink(f func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawSink = f
}

// ChannelSubtitles exposes the cross-track subtitle window.
func (r *Router) ChannelSubtitles() *stt.Window { return r.subs }

// HandleTransceiverInfo records a mid-to-socket binding. Screen-share
// mids are tracked separately and never enter the participant maps.
func (r *Router) HandleTransceiverInfo(msg signaling.TransceiverInfoMessage) {
	mid, err := strconv.Atoi(msg.Mid)
	if err != nil {
		r.log.Warn("ignoring transceiver-info with non-numeric mid", zap.String("mid", msg.Mid))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Type == "screen" {
		r.screenMid = mid
		r.hasScreenMid = true
		r.log.Debug("recorded screen-share mid", zap.Int("mid", mid))
		return
	}

	switch msg.Kind {
	case "audio":
		r.audioMids[mid] = msg.SocketID
	case "video":
		r.videoMids[mid] = msg.SocketID
	default:
		r.log.Warn("transceiver-info with unknown kind", zap.String("kind", msg.Kind))
	}
}

// HandleUserJoined reconciles the declared participant list against the
// locally known set. Unknown users are fetched from the directory
// concurrently; one failed lookup does not block the rest.
func (r *Router) HandleUserJoined(ctx context.Context, msg signaling.UserJoinedMessage) {
	type result struct {
		info    signaling.ParticipantInfo
		profile *directory.Profile
		err     error
	}

	var unknown []signaling.ParticipantInfo

	r.mu.Lock()
	for _, info := range msg.ParticipantsInfo {
		if info.SocketID == r.localSocketID {
			continue
		}
		if p, ok := r.participants[info.SocketID]; ok {
			p.AudioOn = info.Status.IsAudioOn
			p.VideoOn = info.Status.IsVideoOn
			continue
		}
		unknown = append(unknown, info)
	}
	r.mu.Unlock()

	if len(unknown) == 0 {
		return
	}

	results := make(chan result, len(unknown))
	var wg sync.WaitGroup
	for _, info := range unknown {
		wg.Add(1)
		go func(info signaling.ParticipantInfo) {
			defer wg.Done()
			profile, err := r.dir.Lookup(ctx, info.ID)
			results <- result{info: info, profile: profile, err: err}
		}(info)
	}
	wg.Wait()
	close(results)

	r.mu.Lock()
	defer r.mu.Unlock()
	for res := range results {
		if res.err != nil {
			r.log.Warn("participant lookup failed",
				zap.Int64("user_id", res.info.ID),
				zap.Error(res.err))
			continue
		}
		r.participants[res.info.SocketID] = &Participant{
			UserID:    res.profile.ID,
			SocketID:  res.info.SocketID,
			FirstName: res.profile.FirstName,
			LastName:  res.profile.LastName,
			Avatar:    res.profile.Avatar,
			AudioOn:   res.info.Status.IsAudioOn,
			VideoOn:   res.info.Status.IsVideoOn,
		}
	}
}

// HandleDisconnect removes every trace of a departed socket: mid-map
// entries, the participant, and any tracks bound only to it. The three
// removals happen under one lock so no dangling mid ever points at a
// removed participant.
func (r *Router) HandleDisconnect(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for mid, sid := range r.audioMids {
		if sid == socketID {
			delete(r.audioMids, mid)
			if t, ok := r.audioTracks[mid]; ok {
				delete(r.trackIDs, t.ID())
				delete(r.audioTracks, mid)
			}
		}
	}
	for mid, sid := range r.videoMids {
		if sid == socketID {
			delete(r.videoMids, mid)
			if t, ok := r.videoTracks[mid]; ok {
				delete(r.trackIDs, t.ID())
				delete(r.videoTracks, mid)
			}
		}
	}
	delete(r.participants, socketID)
	r.log.Info("participant removed", zap.String("socket_id", socketID))
}

// HandleStatus updates a participant's audio/video flag.
func (r *Router) HandleStatus(event string, msg signaling.StatusMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[msg.SocketID]
	if !ok {
		return
	}
	switch event {
	case signaling.EventMuteAudio:
		p.AudioOn = false
	case signaling.EventUnmuteAudio:
		p.AudioOn = true
	case signaling.EventMuteVideo:
		p.VideoOn = false
	case signaling.EventUnmuteVideo:
		p.VideoOn = true
	}
}

// SetSharingOwner flags which participant (if any) is presenting.
func (r *Router) SetSharingOwner(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, p := range r.participants {
		p.Sharing = sid == socketID
	}
}

// AddTrack registers a remote track arriving on the primary connection,
// deduped by track id, keyed by its numeric mid. A drain loop keeps the
// receiver serviced and counts traffic.
func (r *Router) AddTrack(mid string, track *webrtc.TrackRemote) {
	midNum, err := strconv.Atoi(mid)
	if err != nil {
		r.log.Warn("track arrived with non-numeric mid", zap.String("mid", mid))
		return
	}

	r.mu.Lock()
	if _, dup := r.trackIDs[track.ID()]; dup {
		r.mu.Unlock()
		r.log.Debug("duplicate track ignored", zap.String("id", track.ID()))
		return
	}
	r.trackIDs[track.ID()] = struct{}{}

	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		r.audioTracks[midNum] = track
	case webrtc.RTPCodecTypeVideo:
		r.videoTracks[midNum] = track
	default:
		delete(r.trackIDs, track.ID())
		r.mu.Unlock()
		return
	}
	st := &TrackStats{}
	r.stats[track.ID()] = st
	r.mu.Unlock()

	go r.drain(track, st)
}

func (r *Router) drain(track *webrtc.TrackRemote, st *TrackStats) {
	var pkt *rtp.Packet
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		var err error
		pkt, _, err = track.ReadRTP()
		if err != nil {
			r.log.Debug("track drain finished", zap.String("id", track.ID()), zap.Error(err))
			return
		}
		r.mu.Lock()
		st.Packets++
		st.Bytes += uint64(len(pkt.Payload))
		r.mu.Unlock()
	}
}

// Stats returns the drain counters for a track id.
func (r *Router) Stats(trackID string) TrackStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.stats[trackID]; ok {
		return *st
	}
	return TrackStats{}
}

// HandleDataChannel binds an inbound data channel by label prefix:
// "messages" feeds the cross-track subtitle window, "draw" payloads go to
// the injected draw sink.
func (r *Router) HandleDataChannel(label string, dc *webrtc.DataChannel) {
	switch {
	case strings.HasPrefix(label, "messages"):
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			var msg channelMessage
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				r.log.Warn("bad messages-channel payload", zap.Error(err))
				return
			}
			r.subs.Push(stt.SubtitleEntry{Speaker: msg.Speaker, Text: msg.Text})
		})
	case strings.HasPrefix(label, "draw"):
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			r.mu.Lock()
			sink := r.drawSink
			r.mu.Unlock()
			if sink != nil {
				sink(m.Data)
			}
		})
	default:
		r.log.Warn("unrecognized data channel label", zap.String("label", label))
	}
}

// Participants returns a snapshot of the known remote participants.
func (r *Router) Participants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

// Bindings resolves the render set: the local participant first, then one
// tuple per remote socket combining its audio and video mid lookups.
func (r *Router) Bindings() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []Binding{{SocketID: r.localSocketID, Local: true}}

	bySocket := make(map[string]*Binding)
	ordered := make([]string, 0, len(r.participants))
	for sid := range r.participants {
		b := &Binding{SocketID: sid}
		bySocket[sid] = b
		ordered = append(ordered, sid)
	}
	for mid, sid := range r.audioMids {
		if b, ok := bySocket[sid]; ok {
			b.AudioTrack = r.audioTracks[mid]
		}
	}
	for mid, sid := range r.videoMids {
		if b, ok := bySocket[sid]; ok {
			b.VideoTrack = r.videoTracks[mid]
		}
	}
	for _, sid := range ordered {
		out = append(out, *bySocket[sid])
	}
	return out
}

// ScreenMid reports the separately tracked screen-share mid, if any.
func (r *Router) ScreenMid() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.screenMid, r.hasScreenMid
}

// Reset clears every map. Called once during session teardown.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioMids = make(map[int]string)
	r.videoMids = make(map[int]string)
	r.audioTracks = make(map[int]*webrtc.TrackRemote)
	r.videoTracks = make(map[int]*webrtc.TrackRemote)
	r.trackIDs = make(map[string]struct{})
	r.participants = make(map[string]*Participant)
	r.stats = make(map[string]*TrackStats)
	r.hasScreenMid = false
	r.subs.Clear()
}
