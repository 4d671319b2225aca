package registry

import (
	"log/slog"

	"vo_platform/rd"
	"vo_platform/schema"
	"vo_platform/utils/logging"
)

// Records computes the registry records of the published services of r.
func Records(b *Builder, r *rd.RD) []schema.Resource {
	var res []schema.Resource
	for _, svc := range r.Services {
		if len(svc.Publications) == 0 {
			continue
		}
		rec := schema.Resource{
			ResID:   svc.ID,
			Ivoid:   IVOID(b.cfg, r.ID, svc.ID),
			Title:   rd.GetMeta(svc, "title"),
			ResType: ResourceType(svc),
		}
		for _, pub := range svc.Publications {
			for _, set := range pub.Sets {
				rec.Sets = append(rec.Sets, schema.Set{SetName: set, Renderer: pub.Render})
			}
		}
		res = append(res, rec)
	}
	return res
}

// Publish replaces the registry records of r. Services no longer
// published remain as deleted records.
func (b *Builder) Publish(r *rd.RD) error {
	records := Records(b, r)
	if err := schema.PublishResources(b.env.DB.DB, r.ID, records); err != nil {
		return err
	}
	slog.Info("published resources", "code", logging.RD_PUBLISH, "rd", r.ID, "records", len(records))
	return nil
}
