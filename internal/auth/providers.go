package auth

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DropboxEndpoint is Dropbox's OAuth 2 endpoint. Dropbox public clients send
// client_id in the form body and no secret.
var DropboxEndpoint = oauth2.Endpoint{
	AuthURL:   "https://www.dropbox.com/oauth2/authorize",
	TokenURL:  "https://api.dropboxapi.com/oauth2/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// DropboxScopes are the scopes needed to read and write the snapshot.
var DropboxScopes = []string{"files.content.read", "files.content.write", "files.metadata.read"}

// DropboxOffline asks Dropbox for a refresh token.
var DropboxOffline = []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("token_access_type", "offline")}

// DropboxConfig returns the OAuth config for a Dropbox app key.
func DropboxConfig(appKey, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    appKey,
		Endpoint:    DropboxEndpoint,
		RedirectURL: redirectURL,
		Scopes:      DropboxScopes,
	}
}

// GoogleTasksScope is the OAuth scope for Google Tasks.
const GoogleTasksScope = "https://www.googleapis.com/auth/tasks"

// GoogleOffline asks Google for a refresh token.
var GoogleOffline = []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}

// GoogleConfig builds the OAuth config from a downloaded oauth_client.json.
func GoogleConfig(clientJSON []byte, redirectURL string) (*oauth2.Config, error) {
	cfg, err := google.ConfigFromJSON(clientJSON, GoogleTasksScope)
	if err != nil {
		return nil, err
	}
	cfg.RedirectURL = redirectURL
	return cfg, nil
}
