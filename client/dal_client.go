package client

import (
	"strconv"

	"vo_platform/rsc"
)

// DALClient talks to the table-returning protocol endpoints of a
// server: cone search, the generic api renderer and datalink.
type DALClient struct {
	BaseClient
}

func NewDAL(baseUrl string) *DALClient {
	return &DALClient{BaseClient: NewBaseClient(baseUrl)}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Cone runs a cone search on the scs.xml endpoint at svcPath, e.g.
// /myrd/cone/scs.xml. Errors reported in the VOTable are returned as
// errors.
func (c *DALClient) Cone(svcPath string, ra, dec, sr float64) (*rsc.Table, error) {
	data, err := c.Get(svcPath).
		Param("RA", formatFloat(ra)).
		Param("DEC", formatFloat(dec)).
		Param("SR", formatFloat(sr)).
		Bytes()
	if err != nil {
		return nil, err
	}
	return readTable(data)
}

// Query calls a DALI-style endpoint with params.
func (c *DALClient) Query(svcPath string, params map[string]string) (*rsc.Table, error) {
	r := c.Get(svcPath)
	for k, v := range params {
		r.Param(k, v)
	}
	data, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return readTable(data)
}

// Links returns the links table for the datasets ids.
func (c *DALClient) Links(svcPath string, ids ...string) (*rsc.Table, error) {
	r := c.Get(svcPath)
	for _, id := range ids {
		r.Param("ID", id)
	}
	data, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return readTable(data)
}

// Product downloads a file from /getproduct.
func (c *DALClient) Product(accref string) ([]byte, error) {
	return c.Get("/getproduct/" + accref).Bytes()
}
