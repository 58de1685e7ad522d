package sampleresults

import "sort"

// SelectLatestResult returns the newest result of the first test allocation
// tagged with referenceConceptID. Only the first matching allocation is
// considered even when several orders carry one. Results with equal
// timestamps keep their original order.
func SelectLatestResult(orders []Order, referenceConceptID string) (*Result, bool) {
	alloc := firstAllocation(orders, referenceConceptID)
	if alloc == nil || len(alloc.Results) == 0 {
		return nil, false
	}

	results := make([]Result, len(alloc.Results))
	copy(results, alloc.Results)
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].DateCreated.After(results[j].DateCreated)
	})
	latest := results[0]
	return &latest, true
}

func firstAllocation(orders []Order, conceptID string) *TestAllocation {
	for i := range orders {
		for j := range orders[i].TestAllocations {
			if orders[i].TestAllocations[j].ConceptUUID == conceptID {
				return &orders[i].TestAllocations[j]
			}
		}
	}
	return nil
}
