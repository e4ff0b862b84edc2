package modal

import (
	"context"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
)

// snapshots implements driver.Snapshots plus SnapshotRestorer. Modal
// snapshots are filesystem images, so restore is a fresh create from the
// snapshot image.
type snapshots struct {
	a *Adapter
}

type snapshotDetail struct {
	ImageID   string            `json:"image_id"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type snapshotListResponse struct {
	Snapshots []snapshotDetail `json:"snapshots"`
}

func (s *snapshots) Create(ctx context.Context, id string, metadata map[string]string) (driver.SnapshotInfo, error) {
	cur := s.a.resolve(id)

	imageID, err := s.a.snapshot(ctx, cur, metadata)
	if err != nil {
		return driver.SnapshotInfo{}, err
	}

	log.Info().Str("sandbox_id", id).Str("snapshot", imageID).Msg("Modal snapshot created")
	return driver.SnapshotInfo{
		ID:        imageID,
		SandboxID: id,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}, nil
}

func (s *snapshots) List(ctx context.Context, id string) ([]driver.SnapshotInfo, error) {
	cur := s.a.resolve(id)

	var out snapshotListResponse
	if err := s.a.api.Do(ctx, "GET", "/sandboxes/"+cur+"/snapshots", nil, &out); err != nil {
		return nil, err
	}

	infos := lo.Map(out.Snapshots, func(d snapshotDetail, _ int) driver.SnapshotInfo {
		return driver.SnapshotInfo{
			ID:        d.ImageID,
			SandboxID: id,
			CreatedAt: d.CreatedAt,
			Metadata:  d.Metadata,
		}
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

// Restore boots a new sandbox from the snapshot image, reusing the source
// sandbox's remembered create request for resources and env.
func (s *snapshots) Restore(ctx context.Context, id string, snapshotID string) (driver.SandboxInfo, error) {
	req := s.a.specFor(id)
	req.Image = snapshotID

	sb, err := s.a.create(ctx, req)
	if err != nil {
		return driver.SandboxInfo{}, err
	}
	s.a.specs.Set(sb.SandboxID, req, gocache.DefaultExpiration)

	log.Info().Str("snapshot", snapshotID).Str("sandbox_id", sb.SandboxID).Msg("Modal sandbox restored from snapshot")
	return s.a.sandboxInfo(sb, sb.SandboxID), nil
}
