package buildinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-version"
)

// Version is set at build time with -ldflags "-X .../buildinfo.Version=v1.2.3".
var Version = "v0.1.0"

// ReleasesURL points at the latest release of the project.
const ReleasesURL = "https://api.github.com/repos/JuanPabloHerrera/openapi/releases/latest"

// Normalized returns Version in canonical form, or the raw value if it does
// not parse.
func Normalized() string {
	v, err := version.NewVersion(Version)
	if err != nil {
		return Version
	}
	return "v" + v.String()
}

type release struct {
	TagName string `json:"tag_name"`
}

// Newer reports whether latest is a strictly newer version than current.
func Newer(current, latest string) (bool, error) {
	cur, err := version.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("parse current version: %w", err)
	}
	lat, err := version.NewVersion(latest)
	if err != nil {
		return false, fmt.Errorf("parse latest version: %w", err)
	}
	return cur.LessThan(lat), nil
}

// CheckForUpdates fetches the latest release tag from url and returns it when
// it is newer than the running version, or "" otherwise.
func CheckForUpdates(ctx context.Context, client *http.Client, url string) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("release lookup returned %d", resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return "", err
	}

	newer, err := Newer(Version, rel.TagName)
	if err != nil || !newer {
		return "", err
	}
	return rel.TagName, nil
}
