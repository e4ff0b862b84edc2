package docker

import (
	"context"
	"sort"
	"time"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/samber/lo"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
)

// volumes implements driver.Volumes over the engine volume API. Volumes are
// labelled like containers so List only reports what this process manages.
type volumes struct {
	a *Adapter
}

func (v *volumes) Create(ctx context.Context, name string) (driver.VolumeInfo, error) {
	vol, err := v.a.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: map[string]string{ManagedLabel: "true"},
	})
	if err != nil {
		return driver.VolumeInfo{}, dockerErr(err, "create_volume")
	}
	return volumeInfo(vol), nil
}

func (v *volumes) Delete(ctx context.Context, name string) error {
	if err := v.a.cli.VolumeRemove(ctx, name, false); err != nil {
		return dockerErr(err, "delete_volume")
	}
	return nil
}

func (v *volumes) List(ctx context.Context) ([]driver.VolumeInfo, error) {
	resp, err := v.a.cli.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, dockerErr(err, "list_volumes")
	}

	infos := lo.Map(resp.Volumes, func(vol *volume.Volume, _ int) driver.VolumeInfo {
		return volumeInfo(*vol)
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (v *volumes) Get(ctx context.Context, name string) (driver.VolumeInfo, error) {
	vol, err := v.a.cli.VolumeInspect(ctx, name)
	if err != nil {
		return driver.VolumeInfo{}, dockerErr(err, "get_volume")
	}
	return volumeInfo(vol), nil
}

func volumeInfo(vol volume.Volume) driver.VolumeInfo {
	created, _ := time.Parse(time.RFC3339Nano, vol.CreatedAt)
	return driver.VolumeInfo{
		ID:        vol.Name,
		Name:      vol.Name,
		CreatedAt: created,
	}
}
