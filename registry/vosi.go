package registry

import (
	"time"

	"vo_platform/stanxml"
)

const avlNS = "http://www.ivoa.net/xml/VOSIAvailability/v1.0"

// AvailabilityDocument is the VOSI availability response of a running
// service.
func AvailabilityDocument(upSince time.Time, note string) *stanxml.Element {
	return stanxml.E("avl:availability",
		stanxml.A("xmlns:avl", avlNS),
		stanxml.E("avl:available", "true"),
		stanxml.E("avl:upSince", upSince.UTC().Format(recTime)),
		stanxml.P("avl:note", note))
}
