package markethours

// nseHolidays lists NSE trading holidays (IST dates). Extra dates can be
// supplied to NewCalendar through MARKET_HOLIDAYS.
var nseHolidays = []string{
	"2026-01-26", // Republic Day
	"2026-02-17", // Mahashivratri
	"2026-03-14", // Holi
	"2026-03-31", // Id-ul-Fitr
	"2026-04-02", // Ram Navami
	"2026-04-06", // Mahavir Jayanti
	"2026-04-10", // Good Friday
	"2026-04-14", // Ambedkar Jayanti
	"2026-05-01", // Maharashtra Day
	"2026-06-07", // Bakri Id
	"2026-07-06", // Muharram
	"2026-08-15", // Independence Day
	"2026-08-16", // Janmashtami
	"2026-09-05", // Milad-un-Nabi
	"2026-10-02", // Gandhi Jayanti
	"2026-10-20", // Dussehra
	"2026-10-21",
	"2026-11-05", // Diwali Laxmi Pujan
	"2026-11-06", // Balipratipada
	"2026-11-07",
	"2026-11-19", // Guru Nanak Jayanti
	"2026-12-25", // Christmas
}
