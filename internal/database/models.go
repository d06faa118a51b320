package database

// Search is one recorded device search.
type Search struct {
	ID           int64
	SearchTerm   *string
	ProductCode  *string
	TotalFound   int
	WithDocument int
	SearchedAt   *string
}

// Stats holds aggregate cache statistics.
type Stats struct {
	Devices            int
	DevicesWithDoc     int
	Searches           int
	Extractions        int
	ExtractionsWithIFU int
	Analyses           int
	Equivalent         int
}
