package inventory

// fillSet 有界 FIFO 去重集合，满时淘汰最早的 ID。
type fillSet struct {
	ids   map[string]struct{}
	order []string
	head  int
	cap   int
}

func newFillSet(capacity int) *fillSet {
	return &fillSet{
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, 0, capacity),
		cap:   capacity,
	}
}

// add 返回 false 表示已存在。
func (s *fillSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) < s.cap {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.head])
		s.order[s.head] = id
		s.head = (s.head + 1) % s.cap
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *fillSet) contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// list 按插入顺序（旧到新）返回。
func (s *fillSet) list() []string {
	res := make([]string, 0, len(s.order))
	if len(s.order) < s.cap {
		return append(res, s.order...)
	}
	res = append(res, s.order[s.head:]...)
	return append(res, s.order[:s.head]...)
}
