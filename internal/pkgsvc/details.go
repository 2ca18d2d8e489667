package pkgsvc

// queryResult is the one-shot outcome of a details query, delivered to the
// caller-side wait over a buffered channel.
type queryResult struct {
	ok     bool
	detail string
}

// detailsQuery resolves metadata for a locally staged package file. The
// output struct is shared with the blocked caller; once the result channel
// fires the transaction stops touching it, so an abandoned (timed-out)
// query can still run to completion safely.
type detailsQuery struct {
	transaction

	path string
	info *LinuxPackageInfo
	done chan<- queryResult

	fired     bool
	lastError string
}

func newDetailsQuery(o *Orchestrator, path string, info *LinuxPackageInfo, done chan<- queryResult) *detailsQuery {
	q := &detailsQuery{path: path, info: info, done: done}
	q.init(q, o, "details-query")
	return q
}

func (q *detailsQuery) mask() EventMask {
	return MaskError | MaskFinished | MaskDetails
}

func (q *detailsQuery) executeRequest(s Session) bool {
	return q.transport.Invoke(s, opQueryDetails, Args{"files": []string{q.path}})
}

func (q *detailsQuery) detailsReceived(d PackageDetails) {
	if q.fired {
		return
	}
	q.info.PackageID = d.ID
	q.info.License = d.License
	q.info.Description = d.Description
	q.info.ProjectURL = d.URL
	q.info.Size = d.Size
	q.info.Summary = d.Summary
}

// errorReceived records the message but does not end the query: unlike a
// general error, Finished is still awaited for the final verdict.
func (q *detailsQuery) errorReceived(code, detail string) {
	q.log.Warn("service reported error during query", "code", code, "detail", detail)
	q.lastError = detail
}

func (q *detailsQuery) finishedReceived(exit string) {
	if exit == ExitSuccess {
		q.fire(true, "")
		return
	}
	detail := q.lastError
	if detail == "" {
		detail = "query failed: " + exit
	}
	q.fire(false, detail)
}

func (q *detailsQuery) generalError(detail string) {
	q.log.Error("query failed", "detail", detail)
	q.fire(false, detail)
}

// fire resolves the caller's wait exactly once. A general error may have
// fired it already by the time Finished arrives.
func (q *detailsQuery) fire(ok bool, detail string) {
	if q.fired {
		return
	}
	q.fired = true
	q.done <- queryResult{ok: ok, detail: detail}
}
