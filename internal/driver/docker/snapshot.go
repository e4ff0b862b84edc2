package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
)

// snapshots implements driver.Snapshots over container commits. Each
// snapshot is an image tagged sandbox-snapshot:{id} and labelled with its
// source sandbox, which is what List filters on. Restore stays unsupported;
// a snapshot is consumed by creating a sandbox with a snapshot source.
type snapshots struct {
	a *Adapter
}

func (s *snapshots) Create(ctx context.Context, id string, metadata map[string]string) (driver.SnapshotInfo, error) {
	snapID := uuid.NewString()
	ref := snapshotRepo + ":" + snapID

	opts := types.ContainerCommitOptions{
		Reference: ref,
		Comment:   "sandbox snapshot",
		Pause:     true,
		Changes:   snapshotChanges(id, metadata),
	}
	if _, err := s.a.cli.ContainerCommit(ctx, id, opts); err != nil {
		return driver.SnapshotInfo{}, dockerErr(err, "commit")
	}

	log.Info().Str("sandbox_id", id).Str("snapshot_id", snapID).Msg("Snapshot committed")
	return driver.SnapshotInfo{
		ID:        snapID,
		SandboxID: id,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}, nil
}

func (s *snapshots) List(ctx context.Context, id string) ([]driver.SnapshotInfo, error) {
	imgs, err := s.a.cli.ImageList(ctx, types.ImageListOptions{
		Filters: filters.NewArgs(filters.Arg("label", snapshotOfLabel+"="+id)),
	})
	if err != nil {
		return nil, dockerErr(err, "list_snapshots")
	}

	infos := make([]driver.SnapshotInfo, 0, len(imgs))
	for _, img := range imgs {
		snapID := snapshotIDFromTags(img.RepoTags)
		if snapID == "" {
			continue
		}
		infos = append(infos, driver.SnapshotInfo{
			ID:        snapID,
			SandboxID: id,
			CreatedAt: time.Unix(img.Created, 0).UTC(),
			Metadata:  snapshotMetadata(img.Labels),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

// snapshotChanges stamps the committed image with its source sandbox and
// the caller's metadata, using Dockerfile LABEL syntax.
func snapshotChanges(sandboxID string, metadata map[string]string) []string {
	changes := make([]string, 0, len(metadata)+1)
	changes = append(changes, fmt.Sprintf("LABEL %q=%q", snapshotOfLabel, sandboxID))

	keys := lo.Keys(metadata)
	sort.Strings(keys)
	for _, k := range keys {
		changes = append(changes, fmt.Sprintf("LABEL %q=%q", metaLabelPrefix+k, metadata[k]))
	}
	return changes
}

func snapshotIDFromTags(tags []string) string {
	for _, tag := range tags {
		if rest, ok := strings.CutPrefix(tag, snapshotRepo+":"); ok {
			return rest
		}
	}
	return ""
}

// snapshotMetadata recovers the caller metadata from image labels.
func snapshotMetadata(labels map[string]string) map[string]string {
	meta := map[string]string{}
	for k, v := range labels {
		if rest, ok := strings.CutPrefix(k, metaLabelPrefix); ok {
			meta[rest] = v
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
