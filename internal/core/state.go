package core

// State is the full persisted state of one namespace: everything the storage
// adapter loads at startup and writes back after each mutation.
type State struct {
	Categories   []string          `json:"categories"`
	Transactions []Transaction     `json:"transactions"`
	Budgets      []Budget          `json:"budgets"`
	Goal         Goal              `json:"goal"`
	Settings     map[string]string `json:"settings"`
}

// DefaultState is the documented seed for a namespace that has never been
// saved: the default category list, the default goal, and nothing else.
func DefaultState() State {
	return State{
		Categories: DefaultCategories(),
		Goal:       DefaultGoal(),
		Settings:   map[string]string{},
	}
}
