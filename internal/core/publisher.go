package core

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
)

// Publisher regenerates and signs the index of every affected partition.
// A partition whose index cannot be regenerated or signed aborts the run,
// so no unsigned or stale index is ever committed.
type Publisher struct {
	backend ports.RepoBackendPort
	signer  ports.SignerPort
	lock    ports.LockPort
}

func NewPublisher(backend ports.RepoBackendPort, signer ports.SignerPort, lock ports.LockPort) Publisher {
	return Publisher{backend: backend, signer: signer, lock: lock}
}

func (p Publisher) Publish(ctx context.Context, partitions []types.Partition) error {
	sorted := append([]types.Partition(nil), partitions...)
	types.SortPartitions(sorted)

	for _, partition := range sorted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.lock.CheckHealth(); err != nil {
			return fmt.Errorf("before publishing %s: %w", partition, err)
		}
		log.Info().Str("partition", partition.String()).Msg("regenerating repository metadata")
		targets, err := p.backend.RegenerateIndex(ctx, partition)
		if err != nil {
			return errbuilder.New().
				WithCode(errbuilder.CodeInternal).
				WithMsg(fmt.Sprintf("failed to regenerate index for %s", partition)).
				WithCause(err)
		}
		if len(targets) == 0 {
			return errbuilder.New().
				WithCode(errbuilder.CodeInternal).
				WithMsg(fmt.Sprintf("index for %s produced nothing to sign", partition))
		}
		for _, target := range targets {
			if err := p.signer.Sign(ctx, target); err != nil {
				return errbuilder.New().
					WithCode(errbuilder.CodeInternal).
					WithMsg(fmt.Sprintf("failed to sign %s for %s", target.Path, partition)).
					WithCause(err)
			}
		}
	}
	return nil
}
