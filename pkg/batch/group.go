package batch

// Group is the jobs of one claiming organisation, in arrival order.
type Group struct {
	OrgRef string
	Jobs   []Job
}

// GroupByOrg splits jobs by org_hmrc_ref. Groups come back in order of first appearance.
func GroupByOrg(jobs []Job) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, job := range jobs {
		ref := job.Donation.OrgHMRCRef
		i, ok := index[ref]
		if !ok {
			i = len(groups)
			index[ref] = i
			groups = append(groups, Group{OrgRef: ref})
		}
		groups[i].Jobs = append(groups[i].Jobs, job)
	}
	return groups
}
