// Copyright 2019 dfuse Platform Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package windowing

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"

	"github.com/dfuse-io/dstore"
	"go.uber.org/zap"
)

// SnapshotStore persists watermark snapshots to any dstore-addressable
// location (local path, GS, S3, ...).
type SnapshotStore struct {
	store dstore.Store
}

// NewSnapshotStore opens the store at the given URL.
func NewSnapshotStore(storeURL string) (*SnapshotStore, error) {
	store, err := dstore.NewStore(storeURL, "", "", true)
	if err != nil {
		return nil, fmt.Errorf("failed setting up snapshot store: %w", err)
	}
	return &SnapshotStore{store: store}, nil
}

// Save snapshots the processor and writes the result under the given name.
func (s *SnapshotStore) Save(ctx context.Context, name string, processor *MultiOriginWatermarkProcessor) error {
	snapshot, err := processor.Snapshot()
	if err != nil {
		return err
	}

	zlog.Info("writing watermark snapshot",
		zap.String("name", name),
		zap.Int("bytes", len(snapshot)))
	if err := s.store.WriteObject(ctx, name, bytes.NewReader(snapshot)); err != nil {
		return fmt.Errorf("writing watermark snapshot %q: %w", name, err)
	}
	return nil
}

// Load reads the named snapshot and restores it into the processor.
func (s *SnapshotStore) Load(ctx context.Context, name string, processor *MultiOriginWatermarkProcessor) error {
	reader, err := s.store.OpenObject(ctx, name)
	if err != nil {
		return fmt.Errorf("opening watermark snapshot %q: %w", name, err)
	}
	defer reader.Close()

	snapshot, err := ioutil.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("reading watermark snapshot %q: %w", name, err)
	}
	return processor.Restore(snapshot)
}
