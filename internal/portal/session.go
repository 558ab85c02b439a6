package portal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/jdholdren/hatumimi/internal/keiji"
)

// DefaultSessionCookie is the cookie the portal keeps its login session in.
const DefaultSessionCookie = "JSESSIONID"

// Ensure CookieActivator implements the Activator interface
var _ keiji.Activator = (*CookieActivator)(nil)

// CookieActivator activates a user's portal session by installing their
// session cookie in the client's jar and checking that the portal accepts it.
//
// The client has one jar, so activations are counted: any number of
// operations can hold the same session at once, and the jar is only cleared
// when the last of them deactivates. Activating a different session waits
// until the current one is released.
type CookieActivator struct {
	client     *Client
	cookieName string

	mu      sync.Mutex
	session string // Installed in the jar while refs > 0
	refs    int
	idle    chan struct{} // Closed when refs drops back to zero
}

func NewCookieActivator(c *Client, cookieName string) *CookieActivator {
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}

	return &CookieActivator{client: c, cookieName: cookieName}
}

// Activate reports false, without an error, when the portal turns the session
// down. Errors are for when the portal could not be asked at all.
//
// Every true answer has to be paired with a call to Deactivate.
func (a *CookieActivator) Activate(ctx context.Context, usr keiji.User) (bool, error) {
	if usr.PortalSession == "" {
		slog.InfoContext(ctx, "user has no portal session", "user_id", usr.ID)
		return false, nil
	}

	for {
		ok, busy, err := a.tryActivate(ctx, usr)
		if busy == nil {
			return ok, err
		}

		slog.DebugContext(ctx, "waiting for another portal session to finish", "user_id", usr.ID)
		select {
		case <-busy:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// tryActivate joins the active session when it is usr's, or installs usr's
// when none is active. When another session holds the jar it returns a
// channel that closes once that session is released.
func (a *CookieActivator) tryActivate(ctx context.Context, usr keiji.User) (bool, <-chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.refs > 0 && a.session == usr.PortalSession:
		a.refs++
		return true, nil, nil
	case a.refs > 0:
		return false, a.idle, nil
	}

	// Held across the check so nobody reads the jar half installed
	ok, err := a.install(ctx, usr)
	if !ok || err != nil {
		a.client.jar.reset()
		return false, nil, err
	}
	a.session = usr.PortalSession
	a.refs = 1
	a.idle = make(chan struct{})

	return true, nil, nil
}

func (a *CookieActivator) install(ctx context.Context, usr keiji.User) (bool, error) {
	a.client.jar.reset()
	a.client.jar.SetCookies(a.client.base, []*http.Cookie{{
		Name:     a.cookieName,
		Value:    usr.PortalSession,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.client.base.Scheme == "https",
	}})

	// A logged out session gets bounced to the login page, which has no flow key
	_, err := a.client.FlowKey(ctx)
	if errors.Is(err, keiji.ErrNoFlowKey) {
		slog.InfoContext(ctx, "portal rejected session", "user_id", usr.ID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// Deactivate releases one activation. The jar is cleared once none are left.
func (a *CookieActivator) Deactivate(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.refs == 0 {
		return nil
	}
	a.refs--
	if a.refs > 0 {
		return nil
	}

	a.client.jar.reset()
	a.session = ""
	close(a.idle)
	return nil
}
