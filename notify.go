package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// notifyNtfy pushes a short message to https://ntfy.sh/<topic> so that the
// team hears about exchanges without watching the admin page.
func notifyNtfy(topic, message string) error {
	resp, err := http.Post("https://ntfy.sh/"+url.PathEscape(topic), "text/plain", strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("while pushing to ntfy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code %d from ntfy", resp.StatusCode)
	}
	return nil
}
