package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"basket/pkg/capture"
	"basket/pkg/discount"
	"basket/pkg/notice"
)

const (
	sessionCookie = "basket_session"
	// sessionIdle is how long an untouched session keeps its popup and toast
	// state. The basket itself survives in storage.
	sessionIdle   = 2 * time.Hour
	sweepInterval = time.Minute
)

// session is the per-browser state that lives beside the persisted basket.
// The basket itself is never cached here.
type session struct {
	mu        sync.Mutex
	id        string
	flow      *capture.Flow
	toast     *notice.Toast
	justAdded string
	discount  discount.Result
	lastSeen  time.Time
}

// sessions hands out one session per cookie value. Only requests that write
// session state retain an entry; idle entries are swept on later lookups.
type sessions struct {
	mu        sync.Mutex
	byID      map[string]*session
	newFlow   func(owner string) *capture.Flow
	toast     time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newSessions(newFlow func(owner string) *capture.Flow, toast time.Duration) *sessions {
	return &sessions{
		byID:    make(map[string]*session),
		newFlow: newFlow,
		toast:   toast,
		now:     time.Now,
	}
}

// identify returns the caller's session id, issuing a cookie on first contact.
func (s *sessions) identify(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((90 * 24 * time.Hour).Seconds()),
	})
	return id
}

// resolve returns the caller's session and keeps it for later requests.
func (s *sessions) resolve(w http.ResponseWriter, r *http.Request) *session {
	return s.get(s.identify(w, r), true)
}

// peek returns the caller's session without retaining a new one. Read-only
// handlers use it so cookieless clients leave nothing behind.
func (s *sessions) peek(w http.ResponseWriter, r *http.Request) *session {
	return s.get(s.identify(w, r), false)
}

func (s *sessions) get(id string, retain bool) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)

	sess, ok := s.byID[id]
	if !ok {
		sess = &session{
			id:    id,
			flow:  s.newFlow(id),
			toast: notice.New(s.toast),
		}
		if !retain {
			return sess
		}
		s.byID[id] = sess
	}
	sess.lastSeen = now
	return sess
}

func (s *sessions) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for id, sess := range s.byID {
		if now.Sub(sess.lastSeen) > sessionIdle {
			delete(s.byID, id)
		}
	}
}

// setClock replaces the time source used for idle expiry.
func (s *sessions) setClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// len reports how many sessions are retained.
func (s *sessions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// owner is the basket slot suffix of a session.
func (s *session) owner() string { return s.id }

// notify shows msg in the confirmation toast.
func (s *session) notify(msg string) {
	s.toast.Show(msg)
}
