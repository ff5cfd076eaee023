package params

// Diff is an overlay applied to a base Params to produce the effective
// params for a job. Diffs compose by sequential application,
// last-writer-wins per key.
type Diff struct {
	SetFlags         []string
	UnsetFlags       []string
	SetVars          map[string]string
	UnsetVars        []string
	AddSet           map[string][]string // set name -> values to add
	RemoveSet        map[string][]string
	AddList          map[string][]string // list name -> values to append
	RemoveList       map[string][]string
	AddMap           map[string]map[string]string // map name -> key/value to add
	RemoveMapKeys    map[string][]string
	SetPartitionings map[string]Partitioning // partitioning name -> replacement
}

// Apply returns a new Params with the diff applied on top of base. base
// is not mutated, so the job's logical base Params stays immutable
// across concurrently-diffed jobs.
func (d Diff) Apply(base *Params) *Params {
	p := base.Clone()

	for _, f := range d.SetFlags {
		p.Flags[f] = struct{}{}
	}
	for _, f := range d.UnsetFlags {
		delete(p.Flags, f)
	}

	for k, v := range d.SetVars {
		p.Vars[k] = v
	}
	for _, k := range d.UnsetVars {
		delete(p.Vars, k)
	}

	for name, vals := range d.AddSet {
		set, ok := p.Sets[name]
		if !ok {
			set = map[string]struct{}{}
			p.Sets[name] = set
		}
		for _, v := range vals {
			set[v] = struct{}{}
		}
	}
	for name, vals := range d.RemoveSet {
		if set, ok := p.Sets[name]; ok {
			for _, v := range vals {
				delete(set, v)
			}
		}
	}

	for name, vals := range d.AddList {
		p.Lists[name] = append(p.Lists[name], vals...)
	}
	for name, vals := range d.RemoveList {
		if lst, ok := p.Lists[name]; ok {
			p.Lists[name] = removeAll(lst, vals)
		}
	}

	for name, kv := range d.AddMap {
		m, ok := p.Maps[name]
		if !ok {
			m = map[string]string{}
			p.Maps[name] = m
		}
		for k, v := range kv {
			m[k] = v
		}
	}
	for name, keys := range d.RemoveMapKeys {
		if m, ok := p.Maps[name]; ok {
			for _, k := range keys {
				delete(m, k)
			}
		}
	}

	for name, part := range d.SetPartitionings {
		np := Partitioning{Default: part.Default, Categories: make(map[string]string, len(part.Categories))}
		for k, v := range part.Categories {
			np.Categories[k] = v
		}
		p.Partitionings[name] = np
	}

	return p
}

func removeAll(lst []string, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, r := range remove {
		drop[r] = struct{}{}
	}
	res := make([]string, 0, len(lst))
	for _, v := range lst {
		if _, dropped := drop[v]; dropped {
			continue
		}
		res = append(res, v)
	}
	return res
}
