package fleet

// Host identifies one managed system. A Config may resolve a Host to the
// local machine (see Config.IsLocal), in which case commands run in-process
// instead of over SSH.
type Host string

func (h Host) String() string { return string(h) }
