// Package remote talks to the application's API: the mutation handlers the
// sync executor replays through, and the activity-tracking collaborator.
package remote
