package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-publisher/internal/types"
)

type fakeBackend struct {
	regenerated []types.Partition
	failOn      string
	noTargets   bool
	afterEach   func()
}

func (b *fakeBackend) Format() types.PackageFormat { return types.PackageFormatDeb }
func (b *fakeBackend) Prepare(context.Context, string) error { return nil }
func (b *fakeBackend) StateDir() string { return "" }
func (b *fakeBackend) TreeDir() string { return "" }
func (b *fakeBackend) Repositories(context.Context) ([]string, error) { return nil, nil }
func (b *fakeBackend) Inventory(context.Context, []string) (types.Inventory, error) {
	return types.Inventory{}, nil
}
func (b *fakeBackend) Import(context.Context, types.Partition, []types.PackageDescriptor, types.ImportOptions) error {
	return nil
}
func (b *fakeBackend) Finalize(_ context.Context, partitions []types.Partition) ([]types.Partition, error) {
	return partitions, nil
}

func (b *fakeBackend) RegenerateIndex(_ context.Context, partition types.Partition) ([]types.SignTarget, error) {
	if partition.String() == b.failOn {
		return nil, errors.New("createrepo exited with status 1")
	}
	b.regenerated = append(b.regenerated, partition)
	if b.afterEach != nil {
		b.afterEach()
	}
	if b.noTargets {
		return nil, nil
	}
	return []types.SignTarget{{Path: partition.String() + "/repomd.xml", Output: partition.String() + "/repomd.xml.asc"}}, nil
}

type fakeSigner struct {
	signed []string
	err    error
}

func (s *fakeSigner) Sign(_ context.Context, target types.SignTarget) error {
	if s.err != nil {
		return s.err
	}
	s.signed = append(s.signed, target.Path)
	return nil
}

type fakeLock struct {
	unhealthy bool
}

func (l *fakeLock) Acquire(context.Context, time.Duration) error { return nil }
func (l *fakeLock) Release(context.Context) error { return nil }
func (l *fakeLock) Healthy() bool { return !l.unhealthy }
func (l *fakeLock) CheckHealth() error {
	if l.unhealthy {
		return ErrLockUnhealthy
	}
	return nil
}

var publishPartitions = []types.Partition{
	{Distro: "el9", Arch: "x86_64"},
	{Distro: "el8", Arch: "x86_64"},
	{Distro: "el9", Arch: "aarch64"},
}

func TestPublisherRegeneratesAndSignsInOrder(t *testing.T) {
	backend := &fakeBackend{}
	signer := &fakeSigner{}
	publisher := NewPublisher(backend, signer, &fakeLock{})

	require.NoError(t, publisher.Publish(t.Context(), publishPartitions))

	want := []string{"el8/x86_64/repomd.xml", "el9/aarch64/repomd.xml", "el9/x86_64/repomd.xml"}
	if diff := cmp.Diff(want, signer.signed); diff != "" {
		t.Fatalf("unexpected signatures (-want +got):\n%s", diff)
	}
}

func TestPublisherNamesFailedPartition(t *testing.T) {
	backend := &fakeBackend{failOn: "el9/aarch64"}
	signer := &fakeSigner{}
	publisher := NewPublisher(backend, signer, &fakeLock{})

	err := publisher.Publish(t.Context(), publishPartitions)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "el9/aarch64")
	assert.Len(t, backend.regenerated, 1)
}

func TestPublisherFailsOnSigningError(t *testing.T) {
	publisher := NewPublisher(&fakeBackend{}, &fakeSigner{err: errors.New("no secret key")}, &fakeLock{})
	err := publisher.Publish(t.Context(), publishPartitions)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "el8/x86_64")
}

func TestPublisherFailsWithoutSignTargets(t *testing.T) {
	publisher := NewPublisher(&fakeBackend{noTargets: true}, &fakeSigner{}, &fakeLock{})
	require.Error(t, publisher.Publish(t.Context(), publishPartitions))
}

func TestPublisherStopsWhenLockTurnsUnhealthy(t *testing.T) {
	lock := &fakeLock{}
	backend := &fakeBackend{afterEach: func() { lock.unhealthy = true }}
	publisher := NewPublisher(backend, &fakeSigner{}, lock)

	err := publisher.Publish(t.Context(), publishPartitions)
	require.ErrorIs(t, err, ErrLockUnhealthy)
	assert.Len(t, backend.regenerated, 1)
}
