package renderers

import (
	"errors"
	"strings"

	"vo_platform/base"
	"vo_platform/rd"
	"vo_platform/svcs"
)

// loadRD loads an RD from the inputs and falls back to the system RD of
// the same name.
func (s *Server) loadRD(rdID string) (*rd.RD, error) {
	r, err := s.env.Loader.Load(rdID)
	var nerr *base.NotFoundError
	if errors.As(err, &nerr) && !strings.HasPrefix(rdID, "__system__/") {
		return s.env.Loader.Load("//" + rdID)
	}
	return r, err
}

func (s *Server) findService(rdID, svcID string) (*rd.Service, bool) {
	r, err := s.loadRD(rdID)
	if err != nil {
		return nil, false
	}
	def, err := r.Service(svcID)
	if err != nil {
		return nil, false
	}
	return def, true
}

// resolve splits a request path into service, renderer and the path
// below the renderer. The renderer is the first segment naming a
// renderer that follows an existing RD and service; paths ending in a
// service use its default renderer.
func (s *Server) resolve(path string) (*rd.Service, string, string, error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for _, seg := range segs {
		if seg == "" || seg == "." || seg == ".." {
			return nil, "", "", base.NewNotFoundError("resource", path, "")
		}
	}

	for k := 2; k < len(segs); k++ {
		if _, err := svcs.Renderer(segs[k]); err != nil {
			continue
		}
		if def, ok := s.findService(strings.Join(segs[:k-1], "/"), segs[k-1]); ok {
			return def, segs[k], strings.Join(segs[k+1:], "/"), nil
		}
	}

	if n := len(segs); n >= 2 {
		if def, ok := s.findService(strings.Join(segs[:n-1], "/"), segs[n-1]); ok {
			renderer := def.DefaultRenderer
			if renderer == "" && len(def.Allowed) > 0 {
				renderer = def.Allowed[0]
			}
			return def, renderer, "", nil
		}
	}
	return nil, "", "", base.NewNotFoundError("service", path, "")
}
