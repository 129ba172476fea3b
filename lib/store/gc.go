package store

import "github.com/samber/lo"

// ReferencedSets returns the set of base IDs and dependency-layer keys
// still referenced by at least one installed record. A base or
// dependency tree is shared storage (§9 ownership: "shared,
// reference-counted by presence in installed.json"), so presence here --
// not a counter in Metadata, which has none -- is what GC trusts.
func ReferencedSets(records []Record) (bases map[string]struct{}, deps map[string]struct{}) {
	baseList := make([]string, 0, len(records))
	depList := make([]string, 0, len(records))
	for _, r := range records {
		baseList = append(baseList, r.BaseID)
		if r.DepKey != "" {
			depList = append(depList, r.DepKey)
		}
	}
	return toSet(lo.Uniq(baseList)), toSet(lo.Uniq(depList))
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// GC deletes any on-disk base or dependency-layer tree no installed
// record references. Engine.Remove invokes it after every uninstall (§9);
// an update keeps the app's base and dependency layer, so it does not.
func GC(ix *Index, baseStore, depsStore *Store) error {
	records, err := ix.List()
	if err != nil {
		return err
	}
	referencedBases, referencedDeps := ReferencedSets(records)

	if err := gcStore(baseStore, referencedBases); err != nil {
		return err
	}
	return gcStore(depsStore, referencedDeps)
}

func gcStore(s *Store, referenced map[string]struct{}) error {
	digests, err := s.List()
	if err != nil {
		return err
	}
	for _, d := range digests {
		if _, ok := referenced[d]; ok {
			continue
		}
		if err := s.Delete(d); err != nil {
			return err
		}
	}
	return nil
}
