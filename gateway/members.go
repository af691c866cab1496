package gateway

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kierajs/kiera-go/types"
)

// Membership/sync payloads stay under this many bytes; the gateway drops
// larger frames.
const maxRequestPayload = 4096

// memberRequest tracks one in-flight REQUEST_GUILD_MEMBERS nonce. Chunks
// append until the final index arrives, the timeout fires, or the shard
// disconnects; all three resolve (never reject) with what was received.
type memberRequest struct {
	nonce           string
	members         []*types.Member
	remainingGuilds map[string]struct{}
	timeout         *time.Timer
	waiters         []chan []*types.Member
}

// memberBatch coalesces getGuildMembers calls for one guild into a single
// payload until the size cap or the flush window is hit.
type memberBatch struct {
	guildID   string
	userIDs   []string
	presences bool
	cost      int // accumulated payload bytes
	flush     *time.Timer
	waiters   []chan []*types.Member
}

// batchBaseCost approximates the envelope around the user_ids array.
const batchBaseCost = 160

// RequestGuildMembers asks the gateway for members of guildID selected by
// userIDs (or everyone when empty, subject to query/limit). Calls for the
// same guild made back to back coalesce into one wire payload; a call that
// would push the payload past the size cap flushes the open batch first. The
// returned channel receives exactly one slice.
func (s *Shard) RequestGuildMembers(guildID string, userIDs []string, presences bool) <-chan []*types.Member {
	ch := make(chan []*types.Member, 1)

	if len(userIDs) == 0 {
		s.requestAllMembers([]string{guildID}, presences, ch)
		return ch
	}

	s.mu.Lock()
	b := s.memberBatches[guildID]
	if b == nil {
		b = &memberBatch{guildID: guildID, cost: batchBaseCost}
		s.memberBatches[guildID] = b
		b.flush = time.AfterFunc(50*time.Millisecond, func() { s.flushBatch(guildID) })
	}
	for _, id := range userIDs {
		add := len(id) + 3 // quotes and comma
		if b.cost+add > maxRequestPayload {
			// Cap crossed: emit what we have and open a fresh batch.
			s.flushBatchLocked(b)
			b = &memberBatch{guildID: guildID, cost: batchBaseCost}
			s.memberBatches[guildID] = b
			b.flush = time.AfterFunc(50*time.Millisecond, func() { s.flushBatch(guildID) })
		}
		b.userIDs = append(b.userIDs, id)
		b.cost += add
	}
	b.presences = b.presences || presences
	b.waiters = append(b.waiters, ch)
	s.mu.Unlock()

	return ch
}

func (s *Shard) flushBatch(guildID string) {
	s.mu.Lock()
	b := s.memberBatches[guildID]
	if b != nil {
		delete(s.memberBatches, guildID)
		s.flushBatchLocked(b)
	}
	s.mu.Unlock()
}

// flushBatchLocked sends one batch on the wire and registers its nonce.
// Caller holds mu.
func (s *Shard) flushBatchLocked(b *memberBatch) {
	if b.flush != nil {
		b.flush.Stop()
	}
	if len(b.userIDs) == 0 && len(b.waiters) == 0 {
		return
	}

	nonce := uuid.NewString()
	req := &memberRequest{
		nonce:           nonce,
		remainingGuilds: map[string]struct{}{b.guildID: {}},
		waiters:         b.waiters,
	}
	req.timeout = time.AfterFunc(s.cfg.RequestTimeout, func() { s.expireMemberRequest(nonce) })
	s.pendingMembers[nonce] = req

	go s.sendWS(OpRequestGuildMembers, types.RequestGuildMembersData{
		GuildID:   b.guildID,
		Limit:     0,
		UserIDs:   b.userIDs,
		Presences: b.presences,
		Nonce:     nonce,
	}, false)
}

func (s *Shard) flushAllBatches() {
	s.mu.Lock()
	batches := s.memberBatches
	s.memberBatches = make(map[string]*memberBatch)
	s.mu.Unlock()
	for _, b := range batches {
		if b.flush != nil {
			b.flush.Stop()
		}
		// The socket is gone; waiters resolve empty.
		for _, ch := range b.waiters {
			ch <- nil
		}
	}
}

// requestAllMembers issues full-guild member requests. With intents the
// platform accepts one guild per payload; without, guild IDs pack together
// under the size cap.
func (s *Shard) requestAllMembers(guildIDs []string, presences bool, waiter chan []*types.Member) {
	send := func(ids []string) {
		nonce := uuid.NewString()
		req := &memberRequest{
			nonce:           nonce,
			remainingGuilds: make(map[string]struct{}, len(ids)),
		}
		for _, id := range ids {
			req.remainingGuilds[id] = struct{}{}
		}
		if waiter != nil {
			req.waiters = append(req.waiters, waiter)
		}
		req.timeout = time.AfterFunc(s.cfg.RequestTimeout, func() { s.expireMemberRequest(nonce) })

		s.mu.Lock()
		s.pendingMembers[nonce] = req
		s.mu.Unlock()

		query := ""
		var guildField interface{}
		if s.cfg.Intents != nil {
			guildField = ids[0]
		} else {
			guildField = ids
		}
		s.sendWS(OpRequestGuildMembers, types.RequestGuildMembersData{
			GuildID:   guildField,
			Query:     &query,
			Limit:     0,
			Presences: presences,
			Nonce:     nonce,
		}, false)
	}

	if s.cfg.Intents != nil {
		for _, id := range guildIDs {
			send([]string{id})
		}
		return
	}

	batch := make([]string, 0, len(guildIDs))
	cost := batchBaseCost
	for _, id := range guildIDs {
		add := len(id) + 3
		if cost+add > maxRequestPayload && len(batch) > 0 {
			send(batch)
			batch = make([]string, 0, len(guildIDs))
			cost = batchBaseCost
		}
		batch = append(batch, id)
		cost += add
	}
	if len(batch) > 0 {
		send(batch)
	}
}

// onGuildMembersChunk reassembles chunked member responses. The server uses
// chunks as an implicit liveness signal, so the heartbeat ack refreshes too.
func (s *Shard) onGuildMembersChunk(d *types.GuildMembersChunkData) {
	s.mu.Lock()
	s.lastHeartbeatAck = true

	req := s.pendingMembers[d.Nonce]
	if req == nil && d.Nonce == "" {
		// Pre-nonce servers: match the only request for this guild.
		for _, r := range s.pendingMembers {
			if _, ok := r.remainingGuilds[d.GuildID]; ok {
				req = r
				break
			}
		}
	}
	if req == nil {
		s.mu.Unlock()
		s.log.Debug("member chunk for unknown nonce",
			zap.String("guild", d.GuildID), zap.String("nonce", d.Nonce))
		return
	}

	// Presences ride alongside and attach to their members.
	if len(d.Presences) > 0 {
		byUser := make(map[string]*types.Presence, len(d.Presences))
		for _, p := range d.Presences {
			if p.User != nil {
				byUser[p.User.ID] = p
			}
		}
		for _, m := range d.Members {
			if m.User != nil {
				if p, ok := byUser[m.User.ID]; ok {
					m.Presence = p
				}
			}
		}
	}
	for _, m := range d.Members {
		m.GuildID = d.GuildID
	}
	req.members = append(req.members, d.Members...)

	var resolved *memberRequest
	if d.ChunkIndex >= d.ChunkCount-1 {
		delete(req.remainingGuilds, d.GuildID)
		if len(req.remainingGuilds) == 0 {
			delete(s.pendingMembers, req.nonce)
			resolved = req
		}
	}
	s.mu.Unlock()

	if s.cfg.Store != nil {
		for _, m := range d.Members {
			s.cfg.Store.UpsertMember(m)
		}
	}

	if resolved != nil {
		resolved.timeout.Stop()
		for _, ch := range resolved.waiters {
			ch <- resolved.members
		}
		s.checkReady()
	}
}

// expireMemberRequest resolves a request with its partial result.
func (s *Shard) expireMemberRequest(nonce string) {
	s.mu.Lock()
	req := s.pendingMembers[nonce]
	delete(s.pendingMembers, nonce)
	s.mu.Unlock()
	if req == nil {
		return
	}
	s.log.Debug("member request timed out", zap.String("nonce", nonce),
		zap.Int("received", len(req.members)))
	for _, ch := range req.waiters {
		ch <- req.members
	}
	s.checkReady()
}

func (s *Shard) resolveAllMemberRequests() {
	s.mu.Lock()
	pending := s.pendingMembers
	s.pendingMembers = make(map[string]*memberRequest)
	s.mu.Unlock()
	for _, req := range pending {
		req.timeout.Stop()
		for _, ch := range req.waiters {
			ch <- req.members
		}
	}
}

// --- guild sync (user-account sessions) ---

// syncGuilds queues SYNC_GUILD payloads, packing guild IDs under the size
// cap per frame.
func (s *Shard) syncGuilds(guildIDs []string) {
	if len(guildIDs) == 0 {
		return
	}
	batch := make([]string, 0, len(guildIDs))
	cost := 16
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ids := batch
		s.sendWS(OpSyncGuild, ids, false)
		batch = make([]string, 0, len(guildIDs))
		cost = 16
	}
	for _, id := range guildIDs {
		add := len(id) + 3
		if cost+add > maxRequestPayload {
			flush()
		}
		batch = append(batch, id)
		cost += add
	}
	flush()

	s.mu.Lock()
	s.unsyncedGuilds += len(guildIDs)
	s.mu.Unlock()
}

// --- readiness gate ---

// restartGuildCreateTimer arms (or re-arms) the window in which remaining
// unavailable guilds may still stream in.
func (s *Shard) restartGuildCreateTimer() {
	s.mu.Lock()
	if s.guildCreateTimer != nil {
		s.guildCreateTimer.Stop()
	}
	connID := s.connID
	s.guildCreateTimer = time.AfterFunc(s.cfg.GuildCreateTimeout, func() {
		s.mu.Lock()
		stale := s.connID != connID
		n := len(s.unavailableGuilds)
		s.mu.Unlock()
		if stale {
			return
		}
		if n > 0 {
			s.log.Debug("guild stream timed out", zap.Int("still_unavailable", n))
		}
		s.finishPreReady()
	})
	s.mu.Unlock()
}

// finishPreReady runs once the initial guild stream settles: user-account
// sessions drain the sync queue, then the member drain and ready check run.
func (s *Shard) finishPreReady() {
	s.mu.Lock()
	if s.preReady {
		s.mu.Unlock()
		return
	}
	s.preReady = true
	if s.guildCreateTimer != nil {
		s.guildCreateTimer.Stop()
		s.guildCreateTimer = nil
	}
	syncQueue := s.guildSyncQueue
	s.guildSyncQueue = nil
	s.mu.Unlock()

	if !s.cfg.Token.IsBot() && len(syncQueue) > 0 {
		s.syncGuilds(syncQueue)
	}
	s.drainGetAllUsers()
	s.checkReady()
}

func (s *Shard) drainGetAllUsers() {
	s.mu.Lock()
	if s.unsyncedGuilds > 0 || !s.cfg.GetAllUsers {
		s.mu.Unlock()
		return
	}
	queue := s.getAllUsersQueue
	s.getAllUsersQueue = nil
	s.mu.Unlock()

	if len(queue) > 0 {
		s.requestAllMembers(queue, false, nil)
	}
}

// checkReady emits ready exactly once, after the guild stream settled, all
// guild syncs completed and no member requests remain.
func (s *Shard) checkReady() {
	s.mu.Lock()
	if !s.preReady || s.readyEmitted {
		s.mu.Unlock()
		return
	}
	if s.unsyncedGuilds > 0 || len(s.pendingMembers) > 0 || len(s.getAllUsersQueue) > 0 {
		s.mu.Unlock()
		return
	}
	s.readyEmitted = true
	s.mu.Unlock()

	s.log.Info("shard ready", zap.Int64("seq", atomic.LoadInt64(&s.seq)))
	s.cfg.Emit("ready", s.ID)
}
