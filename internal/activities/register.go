package activities

import "go.temporal.io/sdk/worker"

func Register(w worker.Worker, a *Activities) {
	w.RegisterActivity(a.ListPDFsActivity)
	w.RegisterActivity(a.ProcessDocumentActivity)
	w.RegisterActivity(a.IndexDocumentActivity)
	w.RegisterActivity(a.SaveIndexActivity)
	w.RegisterActivity(a.ResolveDocumentsActivity)
	w.RegisterActivity(a.SummarizeDocumentActivity)
	w.RegisterActivity(a.MergeSummariesActivity)
	w.RegisterActivity(a.UpdateSynthesisRunActivity)
	w.RegisterActivity(a.WriteSynthesisReportActivity)
}
