package domain

type ChangeStatus string

const (
	Added    ChangeStatus = "added"
	Modified ChangeStatus = "modified"
	Removed  ChangeStatus = "removed"
	Renamed  ChangeStatus = "renamed"
)

// FileChange is one file-level difference between two template commits.
// Exactly one of Content/Patch is meaningful for non-removed files; binary
// files always carry Content (base64), never Patch.
type FileChange struct {
	Path         string       `json:"path"`
	SHA          string       `json:"sha,omitempty"`
	Content      string       `json:"content,omitempty"` // base64
	Patch        string       `json:"patch,omitempty"`   // unified diff
	IsBinary     bool         `json:"is_binary"`
	Status       ChangeStatus `json:"status"`
	PreviousPath string       `json:"previous_path,omitempty"`
}

// SyncResult is the outcome of one sync attempt. The caller persists it to
// track per-repository sync state.
type SyncResult struct {
	Success   bool   `json:"success"`
	PRNumber  int    `json:"pr_number,omitempty"`
	PRURL     string `json:"pr_url,omitempty"`
	Merged    bool   `json:"merged"`
	MergeSHA  string `json:"merge_sha,omitempty"`
	NoChanges bool   `json:"no_changes"`
	Error     string `json:"error,omitempty"`
}
