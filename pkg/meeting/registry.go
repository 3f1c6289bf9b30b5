package meeting

import (
	"sync"
	"time"
)

// Participant is the registry's view of one remote participant.
// Fields are snapshots; the registry owns the canonical state.
type Participant struct {
	Identity     string
	Name         string
	JoinedAt     time.Time
	AudioEnabled bool
	VideoEnabled bool
	Speaking     bool
	Tracks       []RemoteTrack
}

// RegistryStats tracks registry activity counters.
type RegistryStats struct {
	ParticipantsJoined  int64
	ParticipantsLeft    int64
	TracksAdded         int64
	TracksRemoved       int64
	LazyCreations       int64
	LastActivity        time.Time
}

type participantEntry struct {
	identity     string
	name         string
	joinedAt     time.Time
	audioEnabled bool
	videoEnabled bool
	speaking     bool
	tracks       map[string]RemoteTrack
}

// Registry maintains the set of remote participants and their tracks.
// The local participant is never stored; events carrying the local
// identity are dropped. Track events that arrive before the matching
// participant join create the participant lazily, so provider event
// ordering is never load-bearing.
//
// Key features:
//   - Lazy participant creation on out-of-order track events
//   - Per-participant audio/video enabled flags driven by track state
//   - Snapshot accessors safe to hold across registry mutations
type Registry struct {
	mu            sync.RWMutex
	localIdentity string
	participants  map[string]*participantEntry

	statsMu sync.RWMutex
	stats   RegistryStats

	logger Logger
}

// NewRegistry creates a registry for a session with the given local
// identity. A nil logger falls back to the default.
func NewRegistry(localIdentity string, logger Logger) *Registry {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return &Registry{
		localIdentity: localIdentity,
		participants:  make(map[string]*participantEntry),
		logger:        logger,
	}
}

// AddParticipant records a participant join. Joins for the local identity
// are ignored. If the participant was created lazily by an earlier track
// event, the join fills in the display name and join time.
func (r *Registry) AddParticipant(identity, name string) {
	if identity == r.localIdentity {
		return
	}

	r.mu.Lock()
	entry, ok := r.participants[identity]
	if !ok {
		entry = r.newEntry(identity)
		r.participants[identity] = entry
	}
	entry.name = name
	r.mu.Unlock()

	r.statsMu.Lock()
	r.stats.ParticipantsJoined++
	r.stats.LastActivity = time.Now()
	r.statsMu.Unlock()

	r.logger.Debug("participant joined", "identity", identity, "name", name)
}

// RemoveParticipant removes a participant and all of its tracks.
// Returns the removed track IDs so callers can detach mixer inputs.
func (r *Registry) RemoveParticipant(identity string) []string {
	r.mu.Lock()
	entry, ok := r.participants[identity]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.participants, identity)
	trackIDs := make([]string, 0, len(entry.tracks))
	for id := range entry.tracks {
		trackIDs = append(trackIDs, id)
	}
	r.mu.Unlock()

	r.statsMu.Lock()
	r.stats.ParticipantsLeft++
	r.stats.TracksRemoved += int64(len(trackIDs))
	r.stats.LastActivity = time.Now()
	r.statsMu.Unlock()

	r.logger.Debug("participant left", "identity", identity, "tracks", len(trackIDs))
	return trackIDs
}

// AddTrack attaches a remote track to a participant, creating the
// participant lazily if its join event has not arrived yet. Track events
// for the local identity are ignored.
func (r *Registry) AddTrack(identity string, track RemoteTrack) {
	if identity == r.localIdentity || track == nil {
		return
	}

	lazy := false
	r.mu.Lock()
	entry, ok := r.participants[identity]
	if !ok {
		entry = r.newEntry(identity)
		r.participants[identity] = entry
		lazy = true
	}
	entry.tracks[track.ID()] = track
	switch track.Kind() {
	case TrackKindAudio:
		entry.audioEnabled = track.Enabled()
	case TrackKindVideo:
		entry.videoEnabled = track.Enabled()
	}
	r.mu.Unlock()

	r.statsMu.Lock()
	r.stats.TracksAdded++
	if lazy {
		r.stats.LazyCreations++
	}
	r.stats.LastActivity = time.Now()
	r.statsMu.Unlock()

	if lazy {
		r.logger.Debug("participant created from track event", "identity", identity, "trackID", track.ID())
	}
}

// NoteTrackPublished records that a participant announced a track the
// local side has not subscribed to yet, creating the participant lazily
// so rosters reflect the medium as soon as it is published. Publications
// for the local identity are ignored.
func (r *Registry) NoteTrackPublished(identity string, kind TrackKind) {
	if identity == r.localIdentity {
		return
	}

	lazy := false
	r.mu.Lock()
	entry, ok := r.participants[identity]
	if !ok {
		entry = r.newEntry(identity)
		r.participants[identity] = entry
		lazy = true
	}
	switch kind {
	case TrackKindAudio:
		entry.audioEnabled = true
	case TrackKindVideo:
		entry.videoEnabled = true
	}
	r.mu.Unlock()

	r.statsMu.Lock()
	if lazy {
		r.stats.LazyCreations++
	}
	r.stats.LastActivity = time.Now()
	r.statsMu.Unlock()

	if lazy {
		r.logger.Debug("participant created from track event", "identity", identity)
	}
}

// RemoveTrack detaches a track from a participant. Unknown identities and
// track IDs are ignored.
func (r *Registry) RemoveTrack(identity, trackID string) {
	r.mu.Lock()
	entry, ok := r.participants[identity]
	if !ok {
		r.mu.Unlock()
		return
	}
	track, had := entry.tracks[trackID]
	if had {
		delete(entry.tracks, trackID)
		switch track.Kind() {
		case TrackKindAudio:
			entry.audioEnabled = false
		case TrackKindVideo:
			entry.videoEnabled = false
		}
	}
	r.mu.Unlock()

	if had {
		r.statsMu.Lock()
		r.stats.TracksRemoved++
		r.stats.LastActivity = time.Now()
		r.statsMu.Unlock()
	}
}

// SetTrackMuted updates the enabled flag derived from a remote track's
// mute state.
func (r *Registry) SetTrackMuted(identity, trackID string, muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.participants[identity]
	if !ok {
		return
	}
	track, ok := entry.tracks[trackID]
	if !ok {
		return
	}
	switch track.Kind() {
	case TrackKindAudio:
		entry.audioEnabled = !muted
	case TrackKindVideo:
		entry.videoEnabled = !muted
	}
}

// SetAudioEnabled records a participant's self-reported microphone state,
// as carried by audioMuted signaling messages.
func (r *Registry) SetAudioEnabled(identity string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.participants[identity]; ok {
		entry.audioEnabled = enabled
	}
}

// SetVideoEnabled records a participant's self-reported camera state,
// as carried by videoDisabled signaling messages.
func (r *Registry) SetVideoEnabled(identity string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.participants[identity]; ok {
		entry.videoEnabled = enabled
	}
}

// SetSpeaking marks exactly one participant as the active speaker, or
// none if identity is empty.
func (r *Registry) SetSpeaking(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.participants {
		entry.speaking = id == identity && identity != ""
	}
}

// Get returns a snapshot of one participant.
func (r *Registry) Get(identity string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.participants[identity]
	if !ok {
		return nil, false
	}
	return entry.snapshot(), true
}

// List returns snapshots of all remote participants.
func (r *Registry) List() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Participant, 0, len(r.participants))
	for _, entry := range r.participants {
		out = append(out, entry.snapshot())
	}
	return out
}

// Count returns the number of remote participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// AudioTracks returns the remote audio tracks currently registered,
// keyed by track ID.
func (r *Registry) AudioTracks() map[string]RemoteAudioTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]RemoteAudioTrack)
	for _, entry := range r.participants {
		for id, track := range entry.tracks {
			if audio, ok := track.(RemoteAudioTrack); ok {
				out[id] = audio
			}
		}
	}
	return out
}

// Clear removes all participants, e.g. after a reconnect when the
// provider will replay the room state.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.participants = make(map[string]*participantEntry)
	r.mu.Unlock()
}

// GetStats returns a copy of the registry counters.
func (r *Registry) GetStats() RegistryStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.stats
}

func (r *Registry) newEntry(identity string) *participantEntry {
	return &participantEntry{
		identity: identity,
		joinedAt: time.Now(),
		// Participants are presumed audible until a track or signaling
		// message says otherwise.
		audioEnabled: true,
		tracks:       make(map[string]RemoteTrack),
	}
}

func (e *participantEntry) snapshot() *Participant {
	tracks := make([]RemoteTrack, 0, len(e.tracks))
	for _, t := range e.tracks {
		tracks = append(tracks, t)
	}
	return &Participant{
		Identity:     e.identity,
		Name:         e.name,
		JoinedAt:     e.joinedAt,
		AudioEnabled: e.audioEnabled,
		VideoEnabled: e.videoEnabled,
		Speaking:     e.speaking,
		Tracks:       tracks,
	}
}
