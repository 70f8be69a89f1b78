package btff

import "github.com/garethgeorge/gobtff/internal/cellarena"

type Stats struct {
	Allocs         uint64 `json:"allocs"`
	Frees          uint64 `json:"frees"`
	Resizes        uint64 `json:"resizes"`
	InPlaceResizes uint64 `json:"in_place_resizes"`
	Moves          uint64 `json:"moves"`

	// Heap break movements.
	Grows   uint64 `json:"grows"`
	Shrinks uint64 `json:"shrinks"`

	Splits        uint64 `json:"splits"`
	Merges        uint64 `json:"merges"`
	Shifts        uint64 `json:"shifts"`
	RootGrowths   uint64 `json:"root_growths"`
	RootCollapses uint64 `json:"root_collapses"`

	Height int             `json:"height"`
	Break  Addr            `json:"break"`
	Arena  cellarena.Stats `json:"arena"`
}
