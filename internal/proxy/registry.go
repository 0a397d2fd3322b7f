package proxy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// StatusUntested is the status of a proxy that has never been probed.
const StatusUntested = "Untested"

// Record is a named SOCKS5 endpoint with its last-known health verdict.
type Record struct {
	ID     string `json:"id" mapstructure:"id"`
	Name   string `json:"name" mapstructure:"name"`
	Host   string `json:"host" mapstructure:"host"`
	Port   int    `json:"port" mapstructure:"port"`
	Status string `json:"status" mapstructure:"status"`
}

// Endpoint is the host/port pair a download task binds to. Tasks hold
// immutable snapshots of these; the registry owns the records.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Registry is a thread-safe set of SOCKS5 proxies keyed by id.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	nextID  int
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record), nextID: 1}
}

// Load replaces the registry contents with records restored from
// configuration, preserving their ids and statuses.
func (r *Registry) Load(records map[string]Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = make(map[string]*Record, len(records))
	maxID := 0
	for id, rec := range records {
		rec := rec
		rec.ID = id
		if rec.Status == "" {
			rec.Status = StatusUntested
		}
		r.records[id] = &rec
		if n, err := strconv.Atoi(id); err == nil && n > maxID {
			maxID = n
		}
	}
	r.nextID = maxID + 1
}

// Snapshot returns the records in persistable form.
func (r *Registry) Snapshot() map[string]Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Record, len(r.records))
	for id, rec := range r.records {
		out[id] = *rec
	}
	return out
}

// Add registers a new proxy. Duplicate names are rejected.
func (r *Registry) Add(name, host string, port int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.Name == name {
			return "", fmt.Errorf("proxy %q already exists", name)
		}
	}

	id := strconv.Itoa(r.nextID)
	r.nextID++
	r.records[id] = &Record{
		ID:     id,
		Name:   name,
		Host:   host,
		Port:   port,
		Status: StatusUntested,
	}
	return id, nil
}

func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return false
	}
	delete(r.records, id)
	return true
}

func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// SetStatus updates a proxy's verdict string after a probe.
func (r *Registry) SetStatus(id, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}
	rec.Status = status
	return true
}

// All returns every record ordered by id.
func (r *Registry) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, aerr := strconv.Atoi(out[i].ID)
		b, berr := strconv.Atoi(out[j].ID)
		if aerr == nil && berr == nil {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Available returns the endpoints whose last verdict allows traffic:
// fully working proxies and TCP-only ones.
func (r *Registry) Available() []Endpoint {
	var out []Endpoint
	for _, rec := range r.All() {
		if strings.HasPrefix(rec.Status, "Available") || strings.HasPrefix(rec.Status, "Limited") {
			out = append(out, Endpoint{Host: rec.Host, Port: rec.Port})
		}
	}
	return out
}
