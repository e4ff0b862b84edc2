package daytona

import (
	"context"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
)

// volumes implements driver.Volumes. Daytona volumes are addressed by name
// for lookup but by id for deletion, so name resolution is cached.
type volumes struct {
	a *Adapter
}

type volumeDetail struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

func (v *volumes) Create(ctx context.Context, name string) (driver.VolumeInfo, error) {
	var out volumeDetail
	if err := v.a.api.Do(ctx, "POST", "/volume", map[string]string{"name": name}, &out); err != nil {
		return driver.VolumeInfo{}, err
	}
	v.a.volumes.Set(name, out.ID, gocache.DefaultExpiration)
	return volumeInfo(out), nil
}

func (v *volumes) Delete(ctx context.Context, name string) error {
	volumeID, err := v.a.resolveVolume(ctx, name)
	if err != nil {
		return err
	}
	err = v.a.api.Do(ctx, "DELETE", "/volume/"+volumeID, nil, nil)
	v.a.volumes.Delete(name)
	return err
}

func (v *volumes) List(ctx context.Context) ([]driver.VolumeInfo, error) {
	var out []volumeDetail
	if err := v.a.api.Do(ctx, "GET", "/volume", nil, &out); err != nil {
		return nil, err
	}

	infos := lo.Map(out, func(d volumeDetail, _ int) driver.VolumeInfo {
		return volumeInfo(d)
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (v *volumes) Get(ctx context.Context, name string) (driver.VolumeInfo, error) {
	var out volumeDetail
	if err := v.a.api.Do(ctx, "GET", "/volume/by-name/"+name, nil, &out); err != nil {
		return driver.VolumeInfo{}, err
	}
	v.a.volumes.Set(name, out.ID, gocache.DefaultExpiration)
	return volumeInfo(out), nil
}

// resolveVolume maps a volume name to its id, from cache when possible.
func (a *Adapter) resolveVolume(ctx context.Context, name string) (string, error) {
	if v, ok := a.volumes.Get(name); ok {
		return v.(string), nil
	}
	var out volumeDetail
	if err := a.api.Do(ctx, "GET", "/volume/by-name/"+name, nil, &out); err != nil {
		return "", err
	}
	a.volumes.Set(name, out.ID, gocache.DefaultExpiration)
	return out.ID, nil
}

func volumeInfo(d volumeDetail) driver.VolumeInfo {
	return driver.VolumeInfo{ID: d.ID, Name: d.Name, CreatedAt: d.CreatedAt}
}
