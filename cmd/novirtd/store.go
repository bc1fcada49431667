package main

import (
	"context"
	"fmt"
	"log"

	"github.com/pombredanne/novirt/internal/instancemodel"
)

// descriptorStore is a minimal instance.Store backed by a single loaded
// InstanceDescriptor: it has no persistence of its own (the real
// InstanceStore lives above this driver, per the specification's scope),
// it just logs every observed state transition and answers security-group
// membership from the descriptor that was loaded at startup.
type descriptorStore struct {
	groups []instancemodel.SecurityGroup
}

func newDescriptorStore(groups []instancemodel.SecurityGroup) *descriptorStore {
	return &descriptorStore{groups: groups}
}

func (s *descriptorStore) SetState(_ context.Context, id int, state instancemodel.State, description string) error {
	if description != "" {
		log.Printf("instance %d -> %s (%s)", id, state, description)
	} else {
		log.Printf("instance %d -> %s", id, state)
	}
	return nil
}

func (s *descriptorStore) SecurityGroups(_ context.Context, _ int) ([]instancemodel.SecurityGroup, error) {
	return s.groups, nil
}

// localImageFetcher satisfies imagecache.Fetcher by copying image/kernel/
// ramdisk artifacts out of a flat directory keyed by reference name,
// standing in for the real ImageService capability (object-store backed
// fetch, out of this driver's scope per §1).
type localImageFetcher struct {
	sourceDir string
}

func (f localImageFetcher) Fetch(_ context.Context, ref, dest string) error {
	return copyFile(fmt.Sprintf("%s/%s", f.sourceDir, ref), dest)
}
