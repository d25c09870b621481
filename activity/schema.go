package activity

import "github.com/warp/salesops-engine/generic"

// Schema exposes Activity fields by the names used in widget definitions
// and query strings.
func Schema() generic.Schema[Activity] {
	return generic.Schema[Activity]{
		Strings: map[string]func(Activity) string{
			"id":              func(a Activity) string { return a.ID },
			"ownerRef":        func(a Activity) string { return a.OwnerRef },
			"referenceid":     func(a Activity) string { return a.ReferenceID },
			"companyName":     func(a Activity) string { return a.CompanyName },
			"contactPerson":   func(a Activity) string { return a.ContactPerson },
			"source":          func(a Activity) string { return a.Source },
			"status":          func(a Activity) string { return a.Status },
			"typeActivity":    func(a Activity) string { return a.TypeActivity },
			"callStatus":      func(a Activity) string { return a.CallStatus },
			"quotationStatus": func(a Activity) string { return a.QuotationStatus },
		},
		Dates: map[string]func(Activity) generic.Date{
			"dateCreated":  func(a Activity) generic.Date { return a.DateCreated },
			"startDate":    func(a Activity) generic.Date { return a.StartDate },
			"endDate":      func(a Activity) generic.Date { return a.EndDate },
			"siDate":       func(a Activity) generic.Date { return a.SIDate },
			"followupDate": func(a Activity) generic.Date { return a.FollowupDate },
		},
		Amounts: map[string]func(Activity) float64{
			"actualSales":     func(a Activity) float64 { return a.ActualSales },
			"quotationAmount": func(a Activity) float64 { return a.QuotationAmount },
			"soAmount":        func(a Activity) float64 { return a.SOAmount },
			"durationMs":      Activity.Duration,
		},
	}
}
