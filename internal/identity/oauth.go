package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// xEndpoint is X's OAuth 2.0 Authorization Code endpoint pair.
var xEndpoint = oauth2.Endpoint{
	AuthURL:  "https://twitter.com/i/oauth2/authorize",
	TokenURL: "https://api.twitter.com/2/oauth2/token",
}

// XUser is the portion of the X /2/users/me response we care about.
type XUser struct {
	ID        string `json:"id"`       // X's numeric user ID as a string — stable, never changes
	Username  string `json:"username"` // handle, e.g. "tessium_io"
	Name      string `json:"name"`     // display name
	AvatarURL string `json:"profile_image_url"`
}

// XProvider wraps golang.org/x/oauth2 for the X (Twitter) Authorization Code
// flow. It serves double duty: primary sign-in for the waitlist, and the
// social-link flow whose completion triggers the one-time connect reward.
// Either way, completion is observed only through the identity event stream —
// the redirect dance never returns a value to the code that started it.
type XProvider struct {
	config *oauth2.Config
}

// NewXProvider creates an XProvider with the given app credentials.
// callbackURL must exactly match the callback registered with the app.
func NewXProvider(clientID, clientSecret, callbackURL string) *XProvider {
	return &XProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"users.read", "tweet.read"},
			Endpoint:     xEndpoint,
		},
	}
}

// AuthURL returns the URL to redirect the user to for authorization. The
// state is a random string stored in a cookie before redirecting and checked
// on callback, closing the CSRF hole in the redirect dance.
func (p *XProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange completes the flow: trades the authorization code for the linked
// X profile.
func (p *XProvider) Exchange(ctx context.Context, code string) (*XUser, error) {
	oauthToken, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("identity: exchanging OAuth code: %w", err)
	}

	client := p.config.Client(ctx, oauthToken)

	resp, err := client.Get("https://api.twitter.com/2/users/me?user.fields=profile_image_url")
	if err != nil {
		return nil, fmt.Errorf("identity: calling X /users/me API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: X /users/me API returned status %d", resp.StatusCode)
	}

	var body struct {
		Data XUser `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("identity: decoding X /users/me response: %w", err)
	}
	if body.Data.ID == "" {
		return nil, fmt.Errorf("identity: X returned an invalid user (empty id)")
	}

	return &body.Data, nil
}
