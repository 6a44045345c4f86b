package consumers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"releaseflow/internal/domain"
	"releaseflow/internal/events"
	rflog "releaseflow/internal/log"
	"releaseflow/internal/repo"
)

const ContextGroup = "ai-chat-context"

// ReleaseDigest is the per-release summary the chat assistant retrieves.
type ReleaseDigest struct {
	ReleaseID   string    `json:"release_id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Completed   bool      `json:"completed"`
	Total       int       `json:"total"`
	Todo        int       `json:"todo"`
	InProcess   int       `json:"in_process"`
	Done        int       `json:"done"`
	Active      []string  `json:"active"`
	LastEvent   string    `json:"last_event"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Text renders the digest as retrieval context.
func (d ReleaseDigest) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Release %s v%s (%s)\n", d.Name, d.Version, d.ReleaseID)
	fmt.Fprintf(&b, "Tasks: %d | In Progress: %d | TODO: %d | Done: %d\n", d.Total, d.InProcess, d.Todo, d.Done)
	if d.Completed {
		b.WriteString("Status: completed\n")
	}
	for _, a := range d.Active {
		b.WriteString("- " + a + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

type ReleaseLoader interface {
	Load(ctx context.Context, id string) (domain.Release, error)
}

// ContextRefresher rebuilds a release digest whenever an event touches that release.
type ContextRefresher struct {
	Store ReleaseLoader
	Now   func() time.Time
	Log   zerolog.Logger
	cache *lru.Cache[string, ReleaseDigest]
}

func NewContextRefresher(store ReleaseLoader, size int) (*ContextRefresher, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, ReleaseDigest](size)
	if err != nil {
		return nil, err
	}
	return &ContextRefresher{Store: store, Now: time.Now, Log: rflog.WithComponent("chat-context"), cache: cache}, nil
}

// Handle is a fabric.Handler.
func (c *ContextRefresher) Handle(ctx context.Context, env events.Envelope) error {
	evt, err := env.Event()
	if err != nil {
		if errors.Is(err, events.ErrUnknownEventType) {
			return nil
		}
		return err
	}
	scoped, ok := evt.(events.ReleaseScoped)
	if !ok || scoped.ReleaseRef() == "" {
		return nil
	}
	rel, err := c.Store.Load(ctx, scoped.ReleaseRef())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			c.cache.Remove(scoped.ReleaseRef())
			return nil
		}
		return fmt.Errorf("load release %s: %w", scoped.ReleaseRef(), err)
	}
	d := digest(rel)
	d.LastEvent = env.EventType
	d.RefreshedAt = c.now()
	c.cache.Add(rel.ID, d)
	return nil
}

func (c *ContextRefresher) Digest(releaseID string) (ReleaseDigest, bool) {
	return c.cache.Get(releaseID)
}

// Current returns the cached digest, building it from the store on a miss.
func (c *ContextRefresher) Current(ctx context.Context, releaseID string) (ReleaseDigest, error) {
	if d, ok := c.cache.Get(releaseID); ok {
		return d, nil
	}
	rel, err := c.Store.Load(ctx, releaseID)
	if err != nil {
		return ReleaseDigest{}, err
	}
	d := digest(rel)
	d.RefreshedAt = c.now()
	c.cache.Add(rel.ID, d)
	return d, nil
}

func (c *ContextRefresher) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func digest(rel domain.Release) ReleaseDigest {
	d := ReleaseDigest{ReleaseID: rel.ID, Name: rel.Name, Version: rel.Version, Completed: rel.Completed, Total: len(rel.Tasks)}
	for _, t := range rel.Tasks {
		switch t.Status {
		case domain.StatusTodo:
			d.Todo++
		case domain.StatusInProcess:
			d.InProcess++
			d.Active = append(d.Active, fmt.Sprintf("%s (%s)", t.Title, t.AssigneeID))
		case domain.StatusCompleted:
			d.Done++
		}
	}
	return d
}
