package app

import (
	"fmt"
	"strings"
	"time"
)

// Chat replies.
const (
	msgSessionExists      = "That session already exists, only one session per conversation can be active. Click %s to join the session."
	msgSessionCreated     = "Created group co-edit session managed by %s. Click %s to join the session."
	msgCreateFailed       = "There was an error creating the session."
	msgSessionMissing     = "That session does not currently exist"
	msgNotAllowed         = "You are not allowed to close this session"
	msgOrphaned           = "There was an error session not found in cache, session terminated."
	msgEndFailed          = "There was an error ending the session"
	msgUploadFailed       = "There was an error uploading the file."
	msgEndedWithoutEdits  = "The session ended without the document being edited."
	commandStart          = "/start co-edit"
	commandStop           = "/stop co-edit"
	documentMimeType      = "text/plain"
	msgUnauthorizedViewer = "Sorry you are not authorized to view this session..."
	msgNoClosePermission  = "You do not have permissions to end this session."
	msgCloseFailed        = "There was an error trying to close the session."
)

// formatDuration renders whole minutes from one minute up, whole seconds below.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d >= time.Minute {
		return fmt.Sprintf("%d minutes", int64(d/time.Minute))
	}
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}

func endedSummary(creator string, participants []string, duration time.Duration) string {
	var b strings.Builder
	b.WriteString("Session has ended.\n")
	fmt.Fprintf(&b, "Session creator: %s.\n", creator)
	if len(participants) > 0 {
		fmt.Fprintf(&b, "Participants: %s.\n", strings.Join(participants, ", "))
	}
	fmt.Fprintf(&b, "Duration: %s.", formatDuration(duration))
	return b.String()
}

func joinLink(publicURL, convID string) string {
	return fmt.Sprintf(`<a href="%s/conversation/%s">here</a>`, strings.TrimRight(publicURL, "/"), convID)
}
