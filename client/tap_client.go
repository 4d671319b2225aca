package client

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"vo_platform/rsc"
	"vo_platform/votable"
)

// TAPClient runs ADQL queries against the TAP service of a server.
type TAPClient struct {
	BaseClient
	root string
}

func NewTAP(baseUrl string) *TAPClient {
	return &TAPClient{BaseClient: NewBaseClient(baseUrl), root: "/tap"}
}

// ServiceError is an error a service reported inside a VOTable.
type ServiceError struct {
	Msg string
}

func (e *ServiceError) Error() string {
	return "service error: " + e.Msg
}

type votInfo struct {
	Name    string `xml:"name,attr"`
	Value   string `xml:"value,attr"`
	Content string `xml:",chardata"`
}

type votErrorDoc struct {
	Infos         []votInfo `xml:"INFO"`
	ResourceInfos []votInfo `xml:"RESOURCE>INFO"`
}

// errorMessage extracts the message of a DAL or cone search error
// document.
func errorMessage(data []byte) string {
	var doc votErrorDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return ""
	}
	for _, info := range append(doc.Infos, doc.ResourceInfos...) {
		switch {
		case info.Name == "Error":
			return info.Value
		case info.Name == "QUERY_STATUS" && info.Value == "ERROR":
			return strings.TrimSpace(info.Content)
		}
	}
	return ""
}

func readTable(data []byte) (*rsc.Table, error) {
	t, err := votable.Read(bytes.NewReader(data))
	if errors.Is(err, votable.ErrNoTable) {
		if msg := errorMessage(data); msg != "" {
			return nil, &ServiceError{Msg: msg}
		}
	}
	return t, err
}

// Query runs query synchronously. extra holds further TAP parameters
// such as MAXREC or FORMAT.
func (c *TAPClient) Query(query string, extra map[string]string) (*rsc.Table, error) {
	r := c.Post(path.Join(c.root, "sync")).
		Form("REQUEST", "doQuery").
		Form("LANG", "ADQL").
		Form("QUERY", query)
	for k, v := range extra {
		r.Form(k, v)
	}
	data, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return readTable(data)
}

type availability struct {
	Available bool `xml:"available"`
}

func (c *TAPClient) Available() (bool, error) {
	data, err := c.Get(path.Join(c.root, "availability")).Bytes()
	if err != nil {
		return false, err
	}
	var avl availability
	if err := xml.Unmarshal(data, &avl); err != nil {
		return false, fmt.Errorf("error parsing availability: %w", err)
	}
	return avl.Available, nil
}

type JobParameter struct {
	ID    string `xml:"id,attr"`
	Value string `xml:",chardata"`
}

type JobResult struct {
	ID   string `xml:"id,attr"`
	Href string `xml:"http://www.w3.org/1999/xlink href,attr"`
}

// Job is the UWS job document.
type Job struct {
	JobID        string         `xml:"jobId"`
	RunID        string         `xml:"runId"`
	Owner        string         `xml:"ownerId"`
	Phase        string         `xml:"phase"`
	Destruction  string         `xml:"destruction"`
	ExecDuration int            `xml:"executionDuration"`
	Parameters   []JobParameter `xml:"parameters>parameter"`
	Results      []JobResult    `xml:"results>result"`
	ErrorMessage string         `xml:"errorSummary>message"`
}

func (j *Job) Param(name string) string {
	for _, p := range j.Parameters {
		if strings.EqualFold(p.ID, name) {
			return strings.TrimSpace(p.Value)
		}
	}
	return ""
}

func (j *Job) Final() bool {
	switch j.Phase {
	case "COMPLETED", "ERROR", "ABORTED", "ARCHIVED":
		return true
	}
	return false
}

func (c *TAPClient) jobPath(id string, sub ...string) string {
	return path.Join(append([]string{c.root, "async", id}, sub...)...)
}

// CreateJob creates a PENDING async job and returns its id.
func (c *TAPClient) CreateJob(query string, extra map[string]string) (string, error) {
	r := c.Post(path.Join(c.root, "async")).
		Form("REQUEST", "doQuery").
		Form("LANG", "ADQL").
		Form("QUERY", query).
		Accept(http.StatusSeeOther)
	for k, v := range extra {
		r.Form(k, v)
	}
	var location string
	err := r.Do(func(res *http.Response) error {
		location = res.Header.Get("Location")
		return nil
	})
	if err != nil {
		return "", err
	}
	if location == "" {
		return "", errors.New("job creation returned no job url")
	}
	return path.Base(location), nil
}

func (c *TAPClient) Job(id string) (*Job, error) {
	return c.fetchJob(c.Get(c.jobPath(id)))
}

// WaitJob blocks on the job for up to wait until it leaves phase.
func (c *TAPClient) WaitJob(id, phase string, wait time.Duration) (*Job, error) {
	return c.fetchJob(c.Get(c.jobPath(id)).
		Param("WAIT", strconv.Itoa(int(wait.Seconds()))).
		Param("PHASE", phase))
}

func (c *TAPClient) fetchJob(r *request) (*Job, error) {
	data, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := xml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("error parsing job document: %w", err)
	}
	return &job, nil
}

func (c *TAPClient) Phase(id string) (string, error) {
	data, err := c.Get(c.jobPath(id, "phase")).Bytes()
	return strings.TrimSpace(string(data)), err
}

func (c *TAPClient) setPhase(id, phase string) error {
	return c.Post(c.jobPath(id, "phase")).Form("PHASE", phase).Accept(http.StatusSeeOther).Do(nil)
}

func (c *TAPClient) Run(id string) error {
	return c.setPhase(id, "RUN")
}

func (c *TAPClient) Abort(id string) error {
	return c.setPhase(id, "ABORT")
}

func (c *TAPClient) DeleteJob(id string) error {
	return c.Delete(c.jobPath(id)).Accept(http.StatusSeeOther, http.StatusNoContent).Do(nil)
}

// AwaitJob polls until the job reached a final phase.
func (c *TAPClient) AwaitJob(id string, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	phase := "EXECUTING"
	for time.Now().Before(deadline) {
		job, err := c.WaitJob(id, phase, time.Second)
		if err != nil {
			return nil, err
		}
		if job.Final() {
			return job, nil
		}
		phase = job.Phase
	}
	return nil, fmt.Errorf("job %s did not finish within %v", id, timeout)
}

// Result fetches and parses the table result of a completed job.
func (c *TAPClient) Result(id string) (*rsc.Table, error) {
	data, err := c.Get(c.jobPath(id, "results", "result")).Bytes()
	if err != nil {
		return nil, err
	}
	return readTable(data)
}
