package progress

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/multisocks-downloader/multisocks/internal/engine/types"
	"github.com/multisocks-downloader/multisocks/internal/proxy"
)

// Checkpoint is the per-task resume record, one JSON file per task next to
// the temp file. The key set is part of the on-disk contract.
type Checkpoint struct {
	URL                    string           `json:"url"`
	TotalSize              int64            `json:"total_size"`
	DownloadedSize         int64            `json:"downloaded_size"`
	Parts                  []types.Segment  `json:"parts"`
	Status                 string           `json:"status"`
	SaveDir                string           `json:"save_dir"`
	Filename               string           `json:"filename"`
	Proxies                []proxy.Endpoint `json:"proxies"`
	ThreadCount            int              `json:"thread_count"`
	SwitchedToSingleStream bool             `json:"switched_to_single_thread"`
	// TotalActiveTime is accumulated downloading wall time, in seconds.
	TotalActiveTime float64 `json:"total_active_time"`
}

// Save writes the checkpoint as a whole-file replacement (write to a temp
// file, then rename) so a crash mid-write cannot corrupt it.
func Save(path string, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// Load reads and validates a checkpoint. A checkpoint that cannot be
// parsed or misses required fields is an error; callers discard it and
// restart the download.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Presence check on the required keys before decoding, so a truncated
	// or foreign JSON document is rejected outright.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}
	for _, key := range []string{"url", "total_size", "downloaded_size", "status"} {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("checkpoint %s missing required field %q", path, key)
		}
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}
	if cp.URL == "" {
		return nil, fmt.Errorf("checkpoint %s has an empty url", path)
	}
	return &cp, nil
}

// Delete removes the checkpoint file. Missing files are not an error.
func Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
