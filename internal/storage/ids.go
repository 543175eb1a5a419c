package storage

import "fmt"

// PageID returns the id of the 1-indexed page n, e.g. pg001.
func PageID(n int) string {
	return fmt.Sprintf("pg%03d", n)
}

// ImageID returns the id of the n-th image on a page, e.g. pg001_im001.
func ImageID(pageID string, n int) string {
	return fmt.Sprintf("%s_im%03d", pageID, n)
}
