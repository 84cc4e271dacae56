package server

import "sync"

// registry tracks every attached connection plus the submitter map that
// routes job events back to the named client that submitted the job.
// Fan-out iterates snapshots of the maps so sends happen outside the lock.
type registry struct {
	mu         sync.RWMutex
	sse        map[string]*sseClient   // conn id → job-scoped SSE stream
	duplex     map[string]*wsClient    // conn id → duplex WebSocket
	named      map[string]*wsClient    // external id → named duplex client
	monitors   map[string]*monitorConn // conn id → monitor (WS or SSE)
	submitters map[string]string       // job id → external client id
}

func newRegistry() *registry {
	return &registry{
		sse:        make(map[string]*sseClient),
		duplex:     make(map[string]*wsClient),
		named:      make(map[string]*wsClient),
		monitors:   make(map[string]*monitorConn),
		submitters: make(map[string]string),
	}
}

func (r *registry) addSSE(c *sseClient) {
	r.mu.Lock()
	r.sse[c.id] = c
	r.mu.Unlock()
}

// removeSSE detaches and closes an SSE stream. Idempotent: a second removal
// of the same id is a no-op.
func (r *registry) removeSSE(id string) {
	r.mu.Lock()
	c, ok := r.sse[id]
	delete(r.sse, id)
	r.mu.Unlock()
	if ok {
		c.close()
	}
}

func (r *registry) addDuplex(c *wsClient) {
	r.mu.Lock()
	r.duplex[c.id] = c
	if c.externalID != "" {
		r.named[c.externalID] = c
	}
	r.mu.Unlock()
}

// removeDuplex detaches a duplex client. The named entry is dropped only if
// it still points at this connection, so a reconnect under the same external
// id is not clobbered by the old socket's teardown.
func (r *registry) removeDuplex(c *wsClient) {
	r.mu.Lock()
	_, ok := r.duplex[c.id]
	delete(r.duplex, c.id)
	if c.externalID != "" && r.named[c.externalID] == c {
		delete(r.named, c.externalID)
	}
	r.mu.Unlock()
	if ok {
		c.close()
	}
}

func (r *registry) addMonitor(m *monitorConn) {
	r.mu.Lock()
	r.monitors[m.id] = m
	r.mu.Unlock()
}

func (r *registry) removeMonitor(id string) {
	r.mu.Lock()
	m, ok := r.monitors[id]
	delete(r.monitors, id)
	r.mu.Unlock()
	if ok {
		m.close()
	}
}

// recordSubmitter maps a job to the named client that submitted it
func (r *registry) recordSubmitter(jobID, externalID string) {
	if externalID == "" {
		return
	}
	r.mu.Lock()
	r.submitters[jobID] = externalID
	r.mu.Unlock()
}

// submitterFor resolves the named client for a job, if both the mapping and
// the client are still present.
func (r *registry) submitterFor(jobID string) *wsClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	externalID, ok := r.submitters[jobID]
	if !ok {
		return nil
	}
	return r.named[externalID]
}

// clearSubmitter drops the job → client mapping after a terminal event
func (r *registry) clearSubmitter(jobID string) {
	r.mu.Lock()
	delete(r.submitters, jobID)
	r.mu.Unlock()
}

func (r *registry) sseSnapshot() []*sseClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*sseClient, 0, len(r.sse))
	for _, c := range r.sse {
		out = append(out, c)
	}
	return out
}

func (r *registry) duplexSnapshot() []*wsClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*wsClient, 0, len(r.duplex))
	for _, c := range r.duplex {
		out = append(out, c)
	}
	return out
}

func (r *registry) monitorSnapshot() []*monitorConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*monitorConn, 0, len(r.monitors))
	for _, m := range r.monitors {
		out = append(out, m)
	}
	return out
}

// counts returns connection totals for stats frames and the health endpoint
func (r *registry) counts() (sse, duplex, monitors int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sse), len(r.duplex), len(r.monitors)
}
