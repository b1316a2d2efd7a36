package viewers

import "sync"

// ChatIdentity is the authenticated display identity attached at open time.
type ChatIdentity struct {
	UserID   string
	Username string
}

// Connection is the registry's view of one open realtime link. Channel is
// empty when the viewer has not picked a channel.
type Connection struct {
	ID        string
	ViewerID  string
	Channel   string
	HasHello  bool
	SessionID string
	Identity  *ChatIdentity
}

// Patch lists the fields an update may change; nil fields are left alone.
type Patch struct {
	ViewerID  *string
	Channel   *string
	HasHello  *bool
	SessionID *string
}

// Counts summarizes distinct viewers overall and per channel.
type Counts struct {
	Total    int
	Channels map[string]int
}

// Registry tracks every open connection. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]*Connection)}
}

// Open records a new connection with no channel and no hello. An empty
// viewerID defaults to the connection id.
func (r *Registry) Open(id, viewerID string, identity *ChatIdentity) Connection {
	if viewerID == "" {
		viewerID = id
	}
	var owned *ChatIdentity
	if identity != nil {
		copied := *identity
		owned = &copied
	}
	connection := &Connection{ID: id, ViewerID: viewerID, Identity: owned}

	r.mu.Lock()
	r.connections[id] = connection
	r.mu.Unlock()
	return *connection
}

// Update merges patch into the connection and returns its state before and
// after the merge. The chat identity never changes after Open.
func (r *Registry) Update(id string, patch Patch) (Connection, Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connection, ok := r.connections[id]
	if !ok {
		return Connection{}, Connection{}, false
	}
	previous := *connection
	if patch.ViewerID != nil && *patch.ViewerID != "" {
		connection.ViewerID = *patch.ViewerID
	}
	if patch.Channel != nil {
		connection.Channel = *patch.Channel
	}
	if patch.HasHello != nil {
		connection.HasHello = *patch.HasHello
	}
	if patch.SessionID != nil && *patch.SessionID != "" {
		connection.SessionID = *patch.SessionID
	}
	return previous, *connection, true
}

func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connection, ok := r.connections[id]
	if !ok {
		return Connection{}, false
	}
	return *connection, true
}

// Close forgets the connection and reports whether it was tracked.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[id]; !ok {
		return false
	}
	delete(r.connections, id)
	return true
}

// Len counts open connections, identified or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CountsSnapshot counts distinct non-empty viewer ids overall and, for
// connections on a channel, per channel.
func (r *Registry) CountsSnapshot() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := make(map[string]struct{}, len(r.connections))
	perChannel := make(map[string]map[string]struct{})
	for _, connection := range r.connections {
		if connection.ViewerID == "" {
			continue
		}
		total[connection.ViewerID] = struct{}{}
		if connection.Channel == "" {
			continue
		}
		viewers, ok := perChannel[connection.Channel]
		if !ok {
			viewers = make(map[string]struct{})
			perChannel[connection.Channel] = viewers
		}
		viewers[connection.ViewerID] = struct{}{}
	}

	channels := make(map[string]int, len(perChannel))
	for slug, viewers := range perChannel {
		channels[slug] = len(viewers)
	}
	return Counts{Total: len(total), Channels: channels}
}

// ConnectionsOnChannel returns the ids of connections currently on channel.
// An empty channel matches nothing.
func (r *Registry) ConnectionsOnChannel(channel string) []string {
	if channel == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0)
	for id, connection := range r.connections {
		if connection.Channel == channel {
			ids = append(ids, id)
		}
	}
	return ids
}
