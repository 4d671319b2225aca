package uws

import (
	"sort"
	"strconv"
	"time"

	"vo_platform/dates"
	"vo_platform/schema"
	"vo_platform/stanxml"
)

const (
	uwsNS   = "http://www.ivoa.net/xml/UWS/v1.0"
	xlinkNS = "http://www.w3.org/1999/xlink"
	xsiNS   = "http://www.w3.org/2001/XMLSchema-instance"
)

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func parseTime(s string) (time.Time, error) {
	return dates.ParseISO(s)
}

func nilTime(name string, t *time.Time) *stanxml.Element {
	if t == nil {
		return stanxml.E(name, stanxml.A("xsi:nil", "true"))
	}
	return stanxml.E(name, formatTime(*t))
}

func nilString(name, s string) *stanxml.Element {
	if s == "" {
		return stanxml.E(name, stanxml.A("xsi:nil", "true"))
	}
	return stanxml.E(name, s)
}

// JobInfo renders the UWS job document. jobURL is the absolute URL of
// the job resource.
func JobInfo(job *schema.Job, jobURL string, quote time.Time) *stanxml.Element {
	params := stanxml.E("uws:parameters")
	keys := make([]string, 0, len(job.Parameters))
	for k := range job.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := Params(job)
	for _, k := range keys {
		params.Add(stanxml.E("uws:parameter", stanxml.A("id", k), values[k]))
	}

	results := stanxml.E("uws:results")
	for _, res := range job.Results {
		results.Add(stanxml.E("uws:result",
			stanxml.A("id", res.Name),
			stanxml.A("xlink:type", "simple"),
			stanxml.A("xlink:href", jobURL+"/results/"+res.Name),
			stanxml.OA("mime-type", res.Mime)))
	}

	var errorSummary *stanxml.Element
	if job.Phase == Error && job.Error != "" {
		errorSummary = stanxml.E("uws:errorSummary",
			stanxml.A("type", "fatal"),
			stanxml.A("hasDetail", "true"),
			stanxml.E("uws:message", job.Error))
	}

	var quoteEl *stanxml.Element
	if quote.IsZero() {
		quoteEl = stanxml.E("uws:quote", stanxml.A("xsi:nil", "true"))
	} else {
		quoteEl = stanxml.E("uws:quote", formatTime(quote))
	}

	return stanxml.E("uws:job",
		stanxml.A("xmlns:uws", uwsNS),
		stanxml.A("xmlns:xlink", xlinkNS),
		stanxml.A("xmlns:xsi", xsiNS),
		stanxml.A("version", "1.1"),
		stanxml.E("uws:jobId", job.JobID),
		nilString("uws:runId", job.RunID),
		nilString("uws:ownerId", job.Owner),
		stanxml.E("uws:phase", job.Phase),
		quoteEl,
		stanxml.E("uws:creationTime", formatTime(job.CreationTime)),
		nilTime("uws:startTime", job.StartTime),
		nilTime("uws:endTime", job.EndTime),
		stanxml.E("uws:executionDuration", strconv.Itoa(job.ExecutionDuration)),
		stanxml.E("uws:destruction", formatTime(job.DestructionTime)),
		params,
		results,
		errorSummary,
	)
}

// JobList renders the UWS job list; rootURL is the URL of the list.
func JobList(jobs []schema.Job, rootURL string) *stanxml.Element {
	list := stanxml.E("uws:jobs",
		stanxml.A("xmlns:uws", uwsNS),
		stanxml.A("xmlns:xlink", xlinkNS),
		stanxml.A("xmlns:xsi", xsiNS),
		stanxml.A("version", "1.1"))
	for _, job := range jobs {
		list.Add(stanxml.E("uws:jobref",
			stanxml.A("id", job.JobID),
			stanxml.A("xlink:type", "simple"),
			stanxml.A("xlink:href", rootURL+"/"+job.JobID),
			stanxml.E("uws:phase", job.Phase),
			stanxml.P("uws:runId", job.RunID),
			stanxml.P("uws:ownerId", job.Owner),
			stanxml.E("uws:creationTime", formatTime(job.CreationTime))))
	}
	return list
}
