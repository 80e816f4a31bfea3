package api

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Router Dashboard</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root,[data-theme="dark"]{
  --bg:#0f1117;--bg-card:#161b22;--border:#30363d;--text:#e1e4e8;--text-muted:#8b949e;
  --primary:#58a6ff;--green:#3fb950;--red:#f85149;--yellow:#d29922;--radius:8px;--radius-sm:4px;
}
[data-theme="light"]{
  --bg:#f6f8fa;--bg-card:#ffffff;--border:#d0d7de;--text:#1f2328;--text-muted:#656d76;
  --primary:#0969da;--green:#1a7f37;--red:#cf222e;--yellow:#9a6700;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
a{color:var(--primary);text-decoration:none}
button{cursor:pointer;font-family:inherit;font-size:inherit}
.container{max-width:1200px;margin:0 auto;padding:0 24px 48px}
header{background:var(--bg-card);border-bottom:1px solid var(--border);padding:12px 24px;position:sticky;top:0;z-index:100}
.header-inner{max-width:1200px;margin:0 auto;display:flex;align-items:center;gap:16px;flex-wrap:wrap}
.header-title{font-size:20px;font-weight:700}
.header-badges{display:flex;gap:8px;align-items:center;margin-left:auto}
.badge{display:inline-flex;align-items:center;gap:4px;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border)}
.badge-healthy{color:var(--green);border-color:var(--green)}
.badge-unhealthy{color:var(--red);border-color:var(--red)}
.badge-paused{color:var(--yellow);border-color:var(--yellow)}
.summary{display:grid;grid-template-columns:repeat(4,1fr);gap:16px;margin:24px 0}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:20px}
.card-label{font-size:12px;text-transform:uppercase;letter-spacing:.5px;color:var(--text-muted);margin-bottom:4px}
.card-value{font-size:32px;font-weight:700;line-height:1.2}
table{width:100%;border-collapse:collapse;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:hidden}
th,td{text-align:left;padding:10px 14px;border-bottom:1px solid var(--border);font-size:13px}
th{color:var(--text-muted);text-transform:uppercase;font-size:11px;letter-spacing:.5px}
tr:last-child td{border-bottom:none}
section{margin-bottom:32px}
section h2{font-size:15px;margin-bottom:12px;color:var(--text-muted);text-transform:uppercase;letter-spacing:.5px}
.pause-btn{background:var(--bg);border:1px solid var(--border);border-radius:var(--radius-sm);color:var(--text);padding:2px 10px;font-size:12px}
.pause-btn:hover{border-color:var(--primary)}
</style>
</head>
<body>
<header>
  <div class="header-inner">
    <div class="header-title">Router Dashboard</div>
    <div class="header-badges">
      <span class="badge" id="health-badge">checking...</span>
      <span class="badge badge-port" id="uptime-badge"></span>
    </div>
  </div>
</header>
<div class="container">
  <div class="summary" id="summary"></div>

  <section>
    <h2>Servers</h2>
    <table id="servers-table"><thead><tr><th>Name</th><th>Address</th><th>Role</th><th>Status</th><th>Lag (s)</th><th></th></tr></thead><tbody></tbody></table>
  </section>

  <section>
    <h2>Sessions</h2>
    <table id="sessions-table"><thead><tr><th>ID</th><th>Account</th><th>Database</th><th>Opened</th><th>Backends</th></tr></thead><tbody></tbody></table>
  </section>

  <section>
    <h2>Masking filters</h2>
    <table id="filters-table"><thead><tr><th>Column</th><th>Table</th><th>Database</th><th>Kind</th></tr></thead><tbody></tbody></table>
  </section>
</div>
<script>
async function fetchJSON(path) {
  const res = await fetch(path);
  if (!res.ok) throw new Error(path + ": " + res.status);
  return res.json();
}

function fillTable(id, rows, rowFn) {
  const tbody = document.querySelector('#' + id + ' tbody');
  tbody.innerHTML = '';
  for (const row of rows) tbody.appendChild(rowFn(row));
}

function td(text) { const el = document.createElement('td'); el.textContent = text; return el; }

async function refresh() {
  try {
    const status = await fetchJSON('/status');
    document.getElementById('uptime-badge').textContent = 'uptime ' + status.uptime_seconds + 's';
    document.getElementById('summary').innerHTML =
      '<div class="card"><div class="card-label">Servers</div><div class="card-value">' + status.servers + '</div></div>' +
      '<div class="card"><div class="card-label">Sessions</div><div class="card-value">' + status.sessions_open + '</div></div>' +
      '<div class="card"><div class="card-label">Goroutines</div><div class="card-value">' + status.goroutines + '</div></div>' +
      '<div class="card"><div class="card-label">Memory (MB)</div><div class="card-value">' + status.memory_mb.toFixed(1) + '</div></div>';
  } catch (e) { /* status endpoint unreachable, leave stale summary */ }

  try {
    const health = await fetchJSON('/health');
    const badge = document.getElementById('health-badge');
    badge.textContent = health.status;
    badge.className = 'badge ' + (health.status === 'healthy' ? 'badge-healthy' : 'badge-unhealthy');
  } catch (e) {}

  try {
    const servers = await fetchJSON('/v1/servers');
    fillTable('servers-table', servers, function(s) {
      const tr = document.createElement('tr');
      tr.appendChild(td(s.name));
      tr.appendChild(td(s.address));
      tr.appendChild(td(s.role));
      const statusTd = document.createElement('td');
      const badge = document.createElement('span');
      badge.className = 'badge ' + (s.paused ? 'badge-paused' : (s.healthy ? 'badge-healthy' : 'badge-unhealthy'));
      badge.textContent = s.paused ? 'paused' : (s.healthy ? 'healthy' : 'unhealthy');
      statusTd.appendChild(badge);
      tr.appendChild(statusTd);
      tr.appendChild(td(s.replication_lag_seconds ? s.replication_lag_seconds.toFixed(1) : '-'));
      const actionTd = document.createElement('td');
      const btn = document.createElement('button');
      btn.className = 'pause-btn';
      btn.textContent = s.paused ? 'Resume' : 'Pause';
      btn.onclick = async function() {
        await fetch('/v1/servers/' + encodeURIComponent(s.name) + '/' + (s.paused ? 'resume' : 'pause'), {method: 'POST'});
        refresh();
      };
      actionTd.appendChild(btn);
      tr.appendChild(actionTd);
      return tr;
    });
  } catch (e) {}

  try {
    const sessions = await fetchJSON('/v1/sessions');
    fillTable('sessions-table', sessions, function(s) {
      const tr = document.createElement('tr');
      tr.appendChild(td(s.id));
      tr.appendChild(td(s.account));
      tr.appendChild(td(s.database || '-'));
      tr.appendChild(td(new Date(s.opened_at).toLocaleString()));
      tr.appendChild(td((s.backends || []).join(', ')));
      return tr;
    });
  } catch (e) {}

  try {
    const filters = await fetchJSON('/v1/filters');
    fillTable('filters-table', filters, function(f) {
      const tr = document.createElement('tr');
      tr.appendChild(td(f.Column));
      tr.appendChild(td(f.Table || '-'));
      tr.appendChild(td(f.Database || '-'));
      tr.appendChild(td(f.Kind));
      return tr;
    });
  } catch (e) {}
}

refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`
