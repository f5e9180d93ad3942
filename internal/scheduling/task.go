package scheduling

// Task is the kind of care an appointment covers.
type Task string

const (
	TaskAssistanceWithDailyLiving Task = "AssistanceWithDailyLiving"
	TaskMedicationReminders       Task = "MedicationReminders"
	TaskShopping                  Task = "Shopping"
	TaskHouseholdChores           Task = "HouseholdChores"
	TaskPersonalHygiene           Task = "PersonalHygiene"
	TaskMealPreparation           Task = "MealPreparation"
	TaskTransportation            Task = "Transportation"
	TaskCompanionship             Task = "Companionship"
	TaskPhysicalTherapyAssistance Task = "PhysicalTherapyAssistance"
	TaskMedicalAppointmentSupport Task = "MedicalAppointmentSupport"
)

var knownTasks = map[Task]struct{}{
	TaskAssistanceWithDailyLiving: {},
	TaskMedicationReminders:       {},
	TaskShopping:                  {},
	TaskHouseholdChores:           {},
	TaskPersonalHygiene:           {},
	TaskMealPreparation:           {},
	TaskTransportation:            {},
	TaskCompanionship:             {},
	TaskPhysicalTherapyAssistance: {},
	TaskMedicalAppointmentSupport: {},
}

func (t Task) Valid() bool {
	_, ok := knownTasks[t]
	return ok
}

// Tasks lists every known task in declaration order.
func Tasks() []Task {
	return []Task{
		TaskAssistanceWithDailyLiving,
		TaskMedicationReminders,
		TaskShopping,
		TaskHouseholdChores,
		TaskPersonalHygiene,
		TaskMealPreparation,
		TaskTransportation,
		TaskCompanionship,
		TaskPhysicalTherapyAssistance,
		TaskMedicalAppointmentSupport,
	}
}
