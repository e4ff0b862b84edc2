package modal

import (
	"context"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
)

// volumes implements driver.Volumes on Modal's named volumes. Create is
// upsert-style, so creating an existing name returns the existing volume.
type volumes struct {
	a *Adapter
}

type volumeDetail struct {
	VolumeID  string    `json:"volume_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type volumeListResponse struct {
	Volumes []volumeDetail `json:"volumes"`
}

func (v *volumes) Create(ctx context.Context, name string) (driver.VolumeInfo, error) {
	body := map[string]any{"name": name, "create_if_missing": true}

	var out volumeDetail
	if err := v.a.api.Do(ctx, "POST", "/volumes", body, &out); err != nil {
		return driver.VolumeInfo{}, err
	}
	v.a.volumes.Set(name, out.VolumeID, gocache.DefaultExpiration)
	return volumeInfo(out), nil
}

func (v *volumes) Delete(ctx context.Context, name string) error {
	err := v.a.api.Do(ctx, "DELETE", "/volumes/"+name, nil, nil)
	v.a.volumes.Delete(name)
	return err
}

func (v *volumes) List(ctx context.Context) ([]driver.VolumeInfo, error) {
	var out volumeListResponse
	if err := v.a.api.Do(ctx, "GET", "/volumes", nil, &out); err != nil {
		return nil, err
	}

	infos := lo.Map(out.Volumes, func(d volumeDetail, _ int) driver.VolumeInfo {
		return volumeInfo(d)
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (v *volumes) Get(ctx context.Context, name string) (driver.VolumeInfo, error) {
	var out volumeDetail
	if err := v.a.api.Do(ctx, "GET", "/volumes/"+name, nil, &out); err != nil {
		return driver.VolumeInfo{}, err
	}
	v.a.volumes.Set(name, out.VolumeID, gocache.DefaultExpiration)
	return volumeInfo(out), nil
}

// resolveVolume maps a volume name to its id, from cache when possible.
func (a *Adapter) resolveVolume(ctx context.Context, name string) (string, error) {
	if v, ok := a.volumes.Get(name); ok {
		return v.(string), nil
	}
	var out volumeDetail
	if err := a.api.Do(ctx, "GET", "/volumes/"+name, nil, &out); err != nil {
		return "", err
	}
	a.volumes.Set(name, out.VolumeID, gocache.DefaultExpiration)
	return out.VolumeID, nil
}

func volumeInfo(d volumeDetail) driver.VolumeInfo {
	return driver.VolumeInfo{ID: d.VolumeID, Name: d.Name, CreatedAt: d.CreatedAt}
}
