// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package shipper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const stateFilename = "state.json"

// shipperState is the durable progress record: per-source-file read
// offsets and the ledger position of the first record not yet uploaded.
// It is advanced only after the covering segment upload succeeded, so a
// crash re-ships at most the records of one unflushed segment.
type shipperState struct {
	Offsets      map[string]int64 `json:"offsets"`
	LedgerReadID uint64           `json:"ledger_read_id"`
}

func loadState(spoolDir string) (*shipperState, error) {
	st := &shipperState{Offsets: make(map[string]int64)}

	raw, err := os.ReadFile(filepath.Join(spoolDir, stateFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if st.Offsets == nil {
		st.Offsets = make(map[string]int64)
	}
	return st, nil
}

// saveState writes the state atomically so a crash mid-write leaves the
// previous state intact.
func saveState(spoolDir string, st *shipperState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}

	tmp := filepath.Join(spoolDir, stateFilename+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(spoolDir, stateFilename)); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
